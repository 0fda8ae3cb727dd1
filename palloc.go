// Package palloc implements a general-purpose, size-classed memory allocator
// over off-heap (mmap-backed) pages.
// It supports O(1) allocation and free of small and medium blocks from pooled
// fixed-size chunks, direct page reservations for large blocks, and resolves
// any returned pointer back to its owner without metadata next to user data.
package palloc

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/holmberd/go-palloc/internal/heap"
)

var (
	ErrOutOfMemory    = heap.ErrOutOfMemory
	ErrUnknownPointer = heap.ErrUnknownPointer
)

const (
	// MinAlignment is the guaranteed alignment of every allocation.
	MinAlignment = 16

	// MaxPooledSize is the largest request served from the pool system;
	// larger requests are reserved directly in page granularity.
	MaxPooledSize = heap.MaxPooledSize
)

// Cache is a per-goroutine allocation cache. See Allocator.NewCache.
type Cache[P heap.PageProvider] = heap.Cache[P]

// Stats represents aggregated allocator counters.
type Stats struct {
	Heap heap.Stats

	// ProviderMappedBytes and ProviderCachedBytes are filled in when the page
	// provider exposes them (PagePool does).
	ProviderMappedBytes int64
	ProviderCachedBytes int64
}

func (s *Stats) Reset() {
	*s = Stats{}
}

// Allocator is the public allocation facade.
//
// Facade calls are safe for concurrent use: they fan out over a small set of
// internal caches. Callers with a hot, single-goroutine allocation loop can
// get a private fast path via NewCache instead.
//
// Memory is handed out as []byte slices over off-heap pages: len is the
// requested size, cap the usable (quantized) size. The address of the first
// byte identifies the allocation; Free and AllocationSize accept the returned
// slice (re-sliced to any length, while keeping the first byte).
type Allocator[P heap.PageProvider] struct {
	h        *heap.Heap[P]
	provider P
	logger   *slog.Logger
	oom      func(size, align int)
	maxAlign int

	shards    []*heap.Cache[P]
	shardMask uint64
}

// New creates an allocator over a default mmap-backed PagePool.
func New() (*Allocator[*PagePool], error) {
	return Custom(NewPagePool(DefaultPagePoolConfig()), DefaultConfig())
}

// Custom creates an allocator with a custom page provider and config.
func Custom[P heap.PageProvider](provider P, config Config) (*Allocator[P], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h, err := heap.New(provider, logger, config.heapConfig())
	if err != nil {
		return nil, err
	}
	a := &Allocator[P]{
		h:        h,
		provider: provider,
		logger:   logger,
		maxAlign: provider.PageSize(),
	}
	a.oom = config.OnOutOfMemory
	if a.oom == nil {
		a.oom = func(size, align int) {
			a.logger.Error("allocation failed: out of memory",
				"size", size,
				"align", align,
			)
			panic(fmt.Errorf("%w: %d bytes (align %d)", ErrOutOfMemory, size, align))
		}
	}
	n := shardCount(config.Shards)
	a.shards = make([]*heap.Cache[P], n)
	for i := range a.shards {
		a.shards[i] = h.NewCache()
	}
	a.shardMask = uint64(n - 1)
	return a, nil
}

// Malloc reserves size bytes aligned to align (0 for the default alignment).
// A size of zero is treated as a request for the minimum block size. On
// exhaustion the configured out-of-memory handler is invoked and Malloc does
// not return.
func (a *Allocator[P]) Malloc(size, align int) []byte {
	b, err := a.TryMalloc(size, align)
	if err != nil {
		a.outOfMemory(size, align)
	}
	return b
}

// TryMalloc is Malloc returning ErrOutOfMemory instead of diverging.
func (a *Allocator[P]) TryMalloc(size, align int) ([]byte, error) {
	align = a.checkAlign(align)
	return a.shard().Alloc(size, align)
}

// Free returns an allocation. Freeing nil is a no-op. Passing a pointer this
// allocator did not return is out of contract and panics rather than
// corrupting a free list.
func (a *Allocator[P]) Free(p []byte) {
	if p == nil {
		return
	}
	if err := a.shard().Free(p); err != nil {
		panic(err)
	}
}

// Realloc resizes an allocation, preserving the overlapping byte prefix.
// A nil p degrades to Malloc; a newSize of zero degrades to Free and returns
// nil. When the new size maps to the same usable size and the alignment still
// holds, the same pointer is returned.
func (a *Allocator[P]) Realloc(p []byte, newSize, align int) []byte {
	b, err := a.TryRealloc(p, newSize, align)
	if err != nil {
		a.outOfMemory(newSize, align)
	}
	return b
}

// TryRealloc is Realloc returning ErrOutOfMemory instead of diverging.
func (a *Allocator[P]) TryRealloc(p []byte, newSize, align int) ([]byte, error) {
	align = a.checkAlign(align)
	if p == nil {
		return a.shard().Alloc(newSize, align)
	}
	if newSize == 0 {
		return nil, a.shard().Free(p)
	}
	usable, err := a.h.AllocationSize(p)
	if err != nil {
		return nil, err
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	if a.h.Quantize(newSize, align) == usable && addr%uintptr(align) == 0 {
		// Same usable size, alignment already satisfied: reuse in place.
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), usable)[:newSize:usable], nil
	}
	b, err := a.shard().Alloc(newSize, align)
	if err != nil {
		return nil, err
	}
	copy(b, p[:min(len(p), newSize)])
	if err := a.shard().Free(p); err != nil {
		return nil, err
	}
	return b, nil
}

// AllocationSize returns the usable size of a live allocation, which is never
// less than the size originally requested.
func (a *Allocator[P]) AllocationSize(p []byte) int {
	if p == nil {
		return 0
	}
	n, err := a.h.AllocationSize(p)
	if err != nil {
		panic(err)
	}
	return n
}

// QuantizeSize returns the usable size Malloc(size, align) would reserve.
// It is a pure function of its arguments and never allocates.
func (a *Allocator[P]) QuantizeSize(size, align int) int {
	align = a.checkAlign(align)
	return a.h.Quantize(size, align)
}

// NewCache creates a private allocation cache for a single goroutine.
// The cache serves and absorbs blocks without touching any shared lock until
// it misses or overflows; the caller must Close it when done.
func (a *Allocator[P]) NewCache() *Cache[P] {
	return a.h.NewCache()
}

// Prewarm ensures at least chunks pool chunks with free blocks exist for the
// size class serving size-byte requests.
func (a *Allocator[P]) Prewarm(size, chunks int) error {
	return a.h.Prewarm(size, chunks)
}

// Trim flushes all caches and recycler bundles back to the pools. When
// aggressive, warm chunks and the provider's cached regions are released back
// to the OS as well. Safe to call concurrently with allocation traffic.
func (a *Allocator[P]) Trim(aggressive bool) {
	a.h.Trim(aggressive)
	if t, ok := any(a.provider).(interface{ Trim(bool) }); ok {
		t.Trim(aggressive)
	}
}

// UpdateStats adds the allocator's current counters into s.
func (a *Allocator[P]) UpdateStats(s *Stats) {
	a.h.UpdateStats(&s.Heap)
	if m, ok := any(a.provider).(interface {
		MappedBytes() int64
		CachedBytes() int64
	}); ok {
		s.ProviderMappedBytes += m.MappedBytes()
		s.ProviderCachedBytes += m.CachedBytes()
	}
}

// Close releases every chunk and region still held. Outstanding allocations
// are invalidated.
func (a *Allocator[P]) Close() {
	a.h.Close()
	if t, ok := any(a.provider).(interface{ Trim(bool) }); ok {
		t.Trim(true)
	}
}

func (a *Allocator[P]) outOfMemory(size, align int) {
	a.oom(size, align)
	// The handler contract is to diverge; guard against one that returns.
	panic(fmt.Errorf("%w: out-of-memory handler returned", ErrOutOfMemory))
}

// checkAlign normalizes and validates a requested alignment. Alignment is a
// programmer-supplied constant in practice; misuse panics.
func (a *Allocator[P]) checkAlign(align int) int {
	if align == 0 {
		return MinAlignment
	}
	if align < 0 || align&(align-1) != 0 {
		panic(fmt.Errorf("alignment %d is not a power of two", align))
	}
	if align > a.maxAlign {
		panic(fmt.Errorf("alignment %d exceeds maximum supported alignment %d", align, a.maxAlign))
	}
	return align
}

// shard picks one of the internal caches. The current goroutine's stack
// address spreads concurrent callers over shards; a goroutine keeps hitting
// the same shard for the duration of a call, which is all the locality the
// shard mutexes need.
func (a *Allocator[P]) shard() *heap.Cache[P] {
	var marker byte
	h := uint64(uintptr(unsafe.Pointer(&marker)))
	h *= 0x9e3779b97f4a7c15 // Fibonacci hashing to spread stack addresses.
	return a.shards[(h>>33)&a.shardMask]
}
