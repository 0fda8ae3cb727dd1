package heap

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/holmberd/go-palloc/internal/testutils"
)

func newTestHeap(t *testing.T, cfg Config) (*Heap[*testutils.MockPageProvider], *testutils.MockPageProvider) {
	t.Helper()
	provider := testutils.NewMockPageProvider()
	h, err := New(provider, nil, cfg)
	if err != nil {
		t.Fatalf("failed to create heap: %v", err)
	}
	return h, provider
}

func addrOf(p []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(p)))
}

func TestHeapAllocFree(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())
	defer h.Close()

	p, err := h.Alloc(100, 1)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if len(p) != 100 {
		t.Errorf("expected len 100, got %d", len(p))
	}
	if cap(p) != 112 {
		t.Errorf("expected usable size 112, got %d", cap(p))
	}

	// The memory is ours to write.
	for i := range p {
		p[i] = byte(i)
	}
	usable, err := h.AllocationSize(p)
	if err != nil || usable != cap(p) {
		t.Errorf("AllocationSize = (%d, %v), want (%d, nil)", usable, err, cap(p))
	}

	if err := h.Free(p); err != nil {
		t.Fatalf("failed to free: %v", err)
	}
	if got := provider.RegionsInUse(); got != 1 {
		t.Errorf("expected one warm chunk region, got %d", got)
	}
}

func TestHeapAllocZeroSize(t *testing.T) {
	h, _ := newTestHeap(t, DefaultConfig())
	defer h.Close()

	p, err := h.Alloc(0, 1)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil allocation for size zero")
	}
	if len(p) != 0 || cap(p) != MinBlockSize {
		t.Errorf("expected len 0 cap %d, got len %d cap %d", MinBlockSize, len(p), cap(p))
	}
	if err := h.Free(p); err != nil {
		t.Errorf("failed to free: %v", err)
	}
}

func TestHeapAlignment(t *testing.T) {
	h, _ := newTestHeap(t, DefaultConfig())
	defer h.Close()

	for _, align := range []int{16, 32, 64, 256, 1024, 4096} {
		p, err := h.Alloc(40, align)
		if err != nil {
			t.Fatalf("failed to alloc with align %d: %v", align, err)
		}
		if addrOf(p)%uintptr(align) != 0 {
			t.Errorf("allocation at %#x not aligned to %d", addrOf(p), align)
		}
		if err := h.Free(p); err != nil {
			t.Fatalf("failed to free: %v", err)
		}
	}
}

func TestHeapBlocksDoNotOverlap(t *testing.T) {
	h, _ := newTestHeap(t, DefaultConfig())
	defer h.Close()

	const n = 500
	const size = 48
	allocs := make([][]byte, n)
	for i := range allocs {
		p, err := h.Alloc(size, 1)
		if err != nil {
			t.Fatalf("failed to alloc %d: %v", i, err)
		}
		allocs[i] = p
	}

	starts := make(map[uintptr]bool, n)
	for i, p := range allocs {
		base := addrOf(p)
		if starts[base] {
			t.Fatalf("allocation %d at %#x handed out twice", i, base)
		}
		starts[base] = true
		for _, q := range allocs[:i] {
			qb := addrOf(q)
			if base < qb+uintptr(cap(q)) && qb < base+uintptr(cap(p)) {
				t.Fatalf("allocations at %#x and %#x overlap", base, qb)
			}
		}
	}
	for _, p := range allocs {
		if err := h.Free(p); err != nil {
			t.Fatalf("failed to free: %v", err)
		}
	}
}

func TestHeapReusesFreedBlocks(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())
	defer h.Close()

	// A steady alloc/free loop must not keep reserving OS memory.
	for i := 0; i < 10000; i++ {
		p, err := h.Alloc(200, 1)
		if err != nil {
			t.Fatalf("failed to alloc: %v", err)
		}
		if err := h.Free(p); err != nil {
			t.Fatalf("failed to free: %v", err)
		}
	}
	if got := provider.ReserveCalls(); got != 1 {
		t.Errorf("expected a single chunk reservation, got %d", got)
	}
}

func TestHeapChunkLifecycle(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())
	defer h.Close()

	const size = 1024
	class, _ := classFor(size, 1)
	perChunk := blocksPerChunk(class)

	// Filling one chunk exactly must not reserve a second one.
	allocs := make([][]byte, perChunk)
	for i := range allocs {
		p, err := h.Alloc(size, 1)
		if err != nil {
			t.Fatalf("failed to alloc %d: %v", i, err)
		}
		allocs[i] = p
	}
	if got := provider.ReserveCalls(); got != 1 {
		t.Fatalf("expected one chunk for %d blocks, reserved %d", perChunk, got)
	}

	// One more spills into a second chunk.
	extra, err := h.Alloc(size, 1)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if got := provider.ReserveCalls(); got != 2 {
		t.Fatalf("expected a second chunk, reserved %d", got)
	}

	// Freeing everything keeps one warm chunk and releases the rest.
	for _, p := range allocs {
		if err := h.Free(p); err != nil {
			t.Fatalf("failed to free: %v", err)
		}
	}
	if err := h.Free(extra); err != nil {
		t.Fatalf("failed to free: %v", err)
	}
	if got := provider.RegionsInUse(); got != 1 {
		t.Errorf("expected one warm chunk after freeing all, got %d regions", got)
	}

	// An aggressive trim releases the warm chunk too.
	h.Trim(true)
	if got := provider.RegionsInUse(); got != 0 {
		t.Errorf("expected no regions after aggressive trim, got %d", got)
	}

	var s Stats
	h.UpdateStats(&s)
	if s.OSBytes != 0 || s.InUseBytes != 0 {
		t.Errorf("expected zero OSBytes and InUseBytes, got %d and %d", s.OSBytes, s.InUseBytes)
	}
}

func TestHeapDirectAllocation(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())
	defer h.Close()

	size := MaxPooledSize + 100
	p, err := h.Alloc(size, 1)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if len(p) != size {
		t.Errorf("expected len %d, got %d", size, len(p))
	}
	wantCap := roundUp(size, testutils.MockPageSize)
	if cap(p) != wantCap {
		t.Errorf("expected page-rounded cap %d, got %d", wantCap, cap(p))
	}
	usable, err := h.AllocationSize(p)
	if err != nil || usable != wantCap {
		t.Errorf("AllocationSize = (%d, %v), want (%d, nil)", usable, err, wantCap)
	}

	if err := h.Free(p); err != nil {
		t.Fatalf("failed to free: %v", err)
	}
	if got := provider.RegionsInUse(); got != 0 {
		t.Errorf("expected direct region released immediately, got %d in use", got)
	}
}

func TestHeapQuantize(t *testing.T) {
	h, _ := newTestHeap(t, DefaultConfig())
	defer h.Close()

	cases := []struct {
		size, align, want int
	}{
		{0, 1, 16},
		{1, 1, 16},
		{17, 1, 32},
		{100, 1, 112},
		{100, 128, 128},
		{2048, 1, 2048},
		{MaxPooledSize, 1, MaxPooledSize},
		{MaxPooledSize + 1, 1, roundUp(MaxPooledSize+1, testutils.MockPageSize)},
		{100 * KiB, 1, 100 * KiB},
	}
	for _, tc := range cases {
		if got := h.Quantize(tc.size, tc.align); got != tc.want {
			t.Errorf("Quantize(%d, %d) = %d, want %d", tc.size, tc.align, got, tc.want)
		}
	}
}

func TestHeapFreeUnknownPointer(t *testing.T) {
	h, _ := newTestHeap(t, DefaultConfig())
	defer h.Close()

	foreign := make([]byte, 64)
	if err := h.Free(foreign); !errors.Is(err, ErrUnknownPointer) {
		t.Errorf("expected ErrUnknownPointer, got %v", err)
	}
	if err := h.Free(nil); err != nil {
		t.Errorf("expected freeing nil to be a no-op, got %v", err)
	}
}

func TestHeapOutOfMemory(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())
	defer h.Close()
	provider.FailAfterBytes = chunkBytes

	p, err := h.Alloc(100, 1) // First chunk fits the budget.
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}

	if _, err := h.Alloc(2*chunkBytes, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory on direct path, got %v", err)
	}
	if _, err := h.Alloc(MaxPooledSize, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory on pooled path, got %v", err)
	}

	if err := h.Free(p); err != nil {
		t.Errorf("failed to free: %v", err)
	}
}

func TestHeapPrewarm(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())
	defer h.Close()

	if err := h.Prewarm(100, 3); err != nil {
		t.Fatalf("failed to prewarm: %v", err)
	}
	if got := provider.ReserveCalls(); got != 3 {
		t.Fatalf("expected 3 reserved chunks, got %d", got)
	}

	// Prewarming again for the same class is a no-op.
	if err := h.Prewarm(100, 3); err != nil {
		t.Fatalf("failed to prewarm: %v", err)
	}
	if got := provider.ReserveCalls(); got != 3 {
		t.Errorf("expected prewarm to be idempotent, reserved %d", got)
	}

	// Allocations for the class are served without new reservations.
	for i := 0; i < 10; i++ {
		if _, err := h.Alloc(100, 1); err != nil {
			t.Fatalf("failed to alloc: %v", err)
		}
	}
	if got := provider.ReserveCalls(); got != 3 {
		t.Errorf("expected prewarmed chunks to serve allocations, reserved %d", got)
	}

	if err := h.Prewarm(MaxPooledSize+1, 1); err == nil {
		t.Error("expected prewarm above MaxPooledSize to fail")
	}
}

func TestHeapStats(t *testing.T) {
	h, _ := newTestHeap(t, DefaultConfig())
	defer h.Close()

	p1, _ := h.Alloc(100, 1)  // 112 usable.
	p2, _ := h.Alloc(5000, 1) // 5120 usable.
	var s Stats
	h.UpdateStats(&s)
	if s.Allocs != 2 || s.Frees != 0 {
		t.Errorf("expected 2 allocs and 0 frees, got %d and %d", s.Allocs, s.Frees)
	}
	if want := int64(112 + 5120); s.InUseBytes != want {
		t.Errorf("expected %d bytes in use, got %d", want, s.InUseBytes)
	}
	if want := int64(12 + 120); s.PaddedBytes != want {
		t.Errorf("expected %d padded bytes, got %d", want, s.PaddedBytes)
	}
	if s.OSBytes != 2*chunkBytes {
		t.Errorf("expected %d OS bytes, got %d", 2*chunkBytes, s.OSBytes)
	}

	var active int64
	for _, n := range s.ActiveChunks {
		active += n
	}
	if active != 2 {
		t.Errorf("expected 2 active chunks, got %d", active)
	}

	h.Free(p1)
	h.Free(p2)

	// UpdateStats adds into the destination.
	h.UpdateStats(&s)
	if s.Allocs != 4 || s.Frees != 2 {
		t.Errorf("expected additive counters, got %d allocs and %d frees", s.Allocs, s.Frees)
	}
}

func TestHeapCanaryDetectsUseAfterFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Canary = true
	h, _ := newTestHeap(t, cfg)
	defer h.Close()

	p, err := h.Alloc(100, 1)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	addr := addrOf(p)
	if err := h.Free(p); err != nil {
		t.Fatalf("failed to free: %v", err)
	}

	// Writing through the freed block corrupts the in-place free header.
	*(*uint32)(unsafe.Pointer(addr + canaryOff)) = 0

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on reuse of a corrupted free block")
		}
	}()
	h.Alloc(100, 1)
}

func TestHeapConfigValidate(t *testing.T) {
	bad := Config{MaxBundleBlocks: 0, MaxBundleBytes: 1, RecyclerSlots: -1}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation to fail")
	}
	if _, err := New(testutils.NewMockPageProvider(), nil, bad); err == nil {
		t.Error("expected New to reject an invalid config")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestHeapCloseReleasesEverything(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())

	var live [][]byte
	for _, size := range []int{16, 100, 2048, 30000, MaxPooledSize + 1, 1 * MiB} {
		p, err := h.Alloc(size, 1)
		if err != nil {
			t.Fatalf("failed to alloc %d: %v", size, err)
		}
		live = append(live, p)
	}
	h.Free(live[0]) // A mix of live and freed allocations.

	h.Close()
	if got := provider.RegionsInUse(); got != 0 {
		t.Errorf("expected all regions released on close, got %d in use", got)
	}
}

func TestHeapConcurrentChurn(t *testing.T) {
	h, provider := newTestHeap(t, DefaultConfig())

	const (
		workers = 4
		rounds  = 5000
	)
	sizes := []int{16, 100, 777, 2048, 9000, MaxPooledSize}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			c := h.NewCache()
			defer c.Close()
			var held [][]byte
			for i := 0; i < rounds; i++ {
				size := sizes[(seed+i)%len(sizes)]
				p, err := c.Alloc(size, 1)
				if err != nil {
					t.Errorf("failed to alloc: %v", err)
					return
				}
				p[0] = byte(i)
				held = append(held, p)
				if len(held) > 32 {
					if err := c.Free(held[0]); err != nil {
						t.Errorf("failed to free: %v", err)
						return
					}
					held = held[1:]
				}
			}
			for _, p := range held {
				if err := c.Free(p); err != nil {
					t.Errorf("failed to free: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	var s Stats
	h.UpdateStats(&s)
	if s.InUseBytes != 0 {
		t.Errorf("expected no bytes in use after churn, got %d", s.InUseBytes)
	}
	if s.Allocs != s.Frees {
		t.Errorf("expected allocs (%d) to match frees (%d)", s.Allocs, s.Frees)
	}

	h.Close()
	if got := provider.RegionsInUse(); got != 0 {
		t.Errorf("expected no regions after close, got %d", got)
	}
}
