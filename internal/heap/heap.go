// Package heap implements a size-classed pool allocator over raw OS pages.
//
// Requests at or below MaxPooledSize are quantized to a size class and served
// from fixed-size blocks carved out of page-provider-backed chunks; larger
// requests are reserved directly from the provider. A page index resolves any
// returned pointer back to its owning chunk or direct region, so freeing needs
// no metadata adjacent to user data.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"
)

// NumClasses is the number of size classes in the pool system.
const NumClasses = numClasses

// PageProvider defines the contract for the OS page source backing the heap.
// Reserved regions must be page aligned and sized in page multiples; failures
// are reported by error, never by panic.
type PageProvider interface {
	PageSize() int                    // OS page granularity, a power of two.
	Reserve(size int) ([]byte, error) // Reserves and commits size bytes (page multiple).
	Release(mem []byte)               // Returns a region obtained from Reserve.
}

type Config struct {
	// MaxBundleBlocks and MaxBundleBytes bound a cache bundle. A partial
	// bundle exceeding either limit becomes full and is handed onward.
	MaxBundleBlocks int
	MaxBundleBytes  int

	// RecyclerSlots is the number of spare-bundle slots per size class in the
	// shared recycler.
	RecyclerSlots int

	// Canary enables free-header canary words. Corruption of a free block is
	// then detected on reuse and fails loudly instead of corrupting the heap.
	Canary bool
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxBundleBlocks < 1 {
		errs = append(errs, errors.New("invalid config: MaxBundleBlocks must be at least 1"))
	}
	if c.MaxBundleBytes < MinBlockSize {
		errs = append(errs, fmt.Errorf("invalid config: MaxBundleBytes must be at least %d", MinBlockSize))
	}
	if c.RecyclerSlots < 0 {
		errs = append(errs, errors.New("invalid config: RecyclerSlots must not be negative"))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		MaxBundleBlocks: 64,       // Bound bundle drain cost.
		MaxBundleBytes:  64 * KiB, // One chunk's worth.
		RecyclerSlots:   4,
		Canary:          false,
	}
}

// classHeap is the locked pool table of one size class.
type classHeap struct {
	mu           sync.Mutex
	available    chunkList // Chunks with at least one free block.
	exhausted    chunkList // Chunks with no free blocks.
	warm         *chunk    // Most recently emptied chunk, kept for reuse.
	activeChunks int64
}

type counters struct {
	osBytes      atomic.Int64
	inUseBytes   atomic.Int64
	paddedBytes  atomic.Int64
	allocs       atomic.Int64
	frees        atomic.Int64
	cacheHits    atomic.Int64
	recyclerHits atomic.Int64
}

// Heap is the pool system core: per-class chunk tables guarded by per-class
// locks, the shared page index, and the bundle recycler. The heap itself is
// safe for concurrent use; fast-path caching is layered on top via Cache.
type Heap[P PageProvider] struct {
	provider P
	logger   *slog.Logger
	cfg      Config
	pageSize int

	classes [numClasses]classHeap
	index   *pageIndex
	rec     *recycler

	cachesMu sync.Mutex
	caches   map[*Cache[P]]struct{}

	stats counters
}

// New creates a heap over the given page provider.
func New[P PageProvider](provider P, logger *slog.Logger, cfg Config) (*Heap[P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Heap[P]{
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		pageSize: provider.PageSize(),
		index:    newPageIndex(provider.PageSize()),
		rec:      newRecycler(cfg.RecyclerSlots),
		caches:   make(map[*Cache[P]]struct{}),
	}
	return h, nil
}

// Quantize returns the usable size an allocation of (size, align) would
// reserve: the owning class's block size for pooled requests, the page-rounded
// size for direct ones. It never allocates.
func (h *Heap[P]) Quantize(size, align int) int {
	if size < 1 {
		size = 1
	}
	if class, ok := classFor(size, align); ok {
		return blockSizeOf(class)
	}
	return roundUp(size, h.pageSize)
}

// Alloc reserves memory for (size, align) without going through a cache:
// pooled requests take the owning class's lock, direct ones go straight to the
// provider. The returned slice has len size and cap equal to the usable size.
func (h *Heap[P]) Alloc(size, align int) ([]byte, error) {
	req := size
	if size < 1 {
		size = 1
	}
	class, ok := classFor(size, align)
	if !ok {
		return h.allocDirect(req, size)
	}
	addr, err := h.allocBlock(class)
	if err != nil {
		return nil, err
	}
	h.recordAlloc(req, blockSizeOf(class))
	return blockSlice(addr, req, blockSizeOf(class)), nil
}

// Free returns memory obtained from Alloc (or a Cache) to the heap.
// The slice identity is the address of its first byte.
func (h *Heap[P]) Free(p []byte) error {
	if p == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	c, raw := h.index.resolve(addr)
	switch {
	case c != nil:
		h.recordFree(c.blockSize)
		h.freeBlock(c, addr)
		return nil
	case raw != nil:
		h.freeDirect(raw)
		return nil
	default:
		return fmt.Errorf("%w: %#x", ErrUnknownPointer, addr)
	}
}

// AllocationSize returns the usable size of a live allocation: the owning
// class's block size, or the page-rounded reservation for direct allocations.
// Always at least the originally requested size.
func (h *Heap[P]) AllocationSize(p []byte) (int, error) {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	c, raw := h.index.resolve(addr)
	switch {
	case c != nil:
		return c.blockSize, nil
	case raw != nil:
		return raw.size, nil
	default:
		return 0, fmt.Errorf("%w: %#x", ErrUnknownPointer, addr)
	}
}

// allocBlock takes one block of the class from the pool tables, creating a new
// chunk from the provider when no free block exists.
func (h *Heap[P]) allocBlock(class uint8) (uintptr, error) {
	ch := &h.classes[class]
	ch.mu.Lock()
	c := ch.available.head
	if c == nil && ch.warm != nil {
		c = ch.warm
		ch.warm = nil
		ch.available.push(c)
	}
	if c == nil {
		// Reserve outside the class lock; the provider may hit the kernel.
		// A racing allocation may create a second chunk, which simply stays
		// on the available list.
		ch.mu.Unlock()
		mem, err := h.provider.Reserve(chunkBytes)
		if err != nil {
			return 0, fmt.Errorf("%w: reserving %d byte chunk for class %d: %v",
				ErrOutOfMemory, chunkBytes, class, err)
		}
		c = newChunk(mem, class, h.cfg.Canary)
		h.index.registerChunk(c)
		h.stats.osBytes.Add(int64(len(mem)))
		ch.mu.Lock()
		ch.available.push(c)
		ch.activeChunks++
	}
	addr := c.takeBlock()
	if !c.hasFree() {
		ch.available.remove(c)
		ch.exhausted.push(c)
	}
	ch.mu.Unlock()
	return addr, nil
}

// freeBlock returns a block to its chunk, relinking the chunk between the
// exhausted and available lists and retiring it once fully empty. One emptied
// chunk per class is kept warm; the rest go back to the provider.
func (h *Heap[P]) freeBlock(c *chunk, addr uintptr) {
	ch := &h.classes[c.class]
	var retired *chunk

	ch.mu.Lock()
	wasExhausted := !c.hasFree()
	c.returnBlock(addr)
	if wasExhausted {
		ch.exhausted.remove(c)
		ch.available.push(c)
	}
	if c.empty() {
		ch.available.remove(c)
		if ch.warm == nil {
			ch.warm = c
		} else {
			ch.activeChunks--
			retired = c
		}
	}
	ch.mu.Unlock()

	if retired != nil {
		h.releaseChunk(retired)
	}
}

// releaseChunk unregisters a fully empty chunk and returns its pages.
// Called without the class lock held.
func (h *Heap[P]) releaseChunk(c *chunk) {
	h.index.unregister(c.base)
	h.stats.osBytes.Add(-int64(len(c.mem)))
	h.provider.Release(c.mem)
}

func (h *Heap[P]) allocDirect(req, size int) ([]byte, error) {
	rsize := roundUp(size, h.pageSize)
	mem, err := h.provider.Reserve(rsize)
	if err != nil {
		return nil, fmt.Errorf("%w: reserving %d bytes directly: %v", ErrOutOfMemory, rsize, err)
	}
	r := &rawRegion{
		mem:  mem,
		base: uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		size: rsize,
	}
	h.index.registerRaw(r)
	h.stats.osBytes.Add(int64(rsize))
	h.recordAlloc(req, rsize)
	return mem[:req:rsize], nil
}

func (h *Heap[P]) freeDirect(r *rawRegion) {
	h.index.unregister(r.base)
	h.stats.osBytes.Add(-int64(r.size))
	h.recordFree(r.size)
	h.provider.Release(r.mem)
}

// Prewarm ensures at least n chunks with free blocks exist for the class
// serving size-byte requests, reserving new chunks as needed.
func (h *Heap[P]) Prewarm(size, n int) error {
	class, ok := classFor(size, 1)
	if !ok {
		return fmt.Errorf("size %d exceeds max pooled size %d", size, MaxPooledSize)
	}
	ch := &h.classes[class]

	ch.mu.Lock()
	have := 0
	for c := ch.available.head; c != nil; c = c.next {
		have++
	}
	if ch.warm != nil {
		have++
	}
	ch.mu.Unlock()

	for ; have < n; have++ {
		mem, err := h.provider.Reserve(chunkBytes)
		if err != nil {
			return fmt.Errorf("%w: reserving %d byte chunk for class %d: %v",
				ErrOutOfMemory, chunkBytes, class, err)
		}
		c := newChunk(mem, class, h.cfg.Canary)
		h.index.registerChunk(c)
		h.stats.osBytes.Add(int64(len(mem)))
		ch.mu.Lock()
		ch.available.push(c)
		ch.activeChunks++
		ch.mu.Unlock()
	}
	return nil
}

// drainBundle returns every block of a parked or flushed bundle to its
// owning chunk.
func (h *Heap[P]) drainBundle(class uint8, b *bundle) {
	blockSize := blockSizeOf(class)
	for !b.empty() {
		addr := b.pop(blockSize)
		c, _ := h.index.resolve(addr)
		if c == nil {
			h.logger.Error(
				"Unrecoverable free-list corruption detected. A cached block has no owning chunk",
				"address", fmt.Sprintf("%#x", addr),
				"class", class,
			)
			panic(fmt.Errorf("internal error: bundle block at %#x has no owning chunk", addr))
		}
		h.freeBlock(c, addr)
	}
}

// Trim flushes every registered cache and drains all recycler bundles back to
// the pool system. When aggressive, warm chunks are retired as well. Safe to
// call while other goroutines keep allocating and freeing.
func (h *Heap[P]) Trim(aggressive bool) {
	for class := 0; class < numClasses; class++ {
		for _, b := range h.rec.drain(uint8(class)) {
			h.drainBundle(uint8(class), b)
		}
	}

	h.cachesMu.Lock()
	caches := make([]*Cache[P], 0, len(h.caches))
	for c := range h.caches {
		caches = append(caches, c)
	}
	h.cachesMu.Unlock()
	for _, c := range caches {
		c.flush()
	}

	if !aggressive {
		return
	}
	for class := range h.classes {
		ch := &h.classes[class]
		ch.mu.Lock()
		warm := ch.warm
		ch.warm = nil
		if warm != nil {
			ch.activeChunks--
		}
		ch.mu.Unlock()
		if warm != nil {
			h.releaseChunk(warm)
		}
	}
}

// Close drains caches and releases every chunk and direct region still held.
// All outstanding allocations are invalidated; using them afterwards is out of
// contract.
func (h *Heap[P]) Close() {
	h.Trim(true)
	for class := range h.classes {
		ch := &h.classes[class]
		ch.mu.Lock()
		var all []*chunk
		for c := ch.available.head; c != nil; c = c.next {
			all = append(all, c)
		}
		for c := ch.exhausted.head; c != nil; c = c.next {
			all = append(all, c)
		}
		ch.available = chunkList{}
		ch.exhausted = chunkList{}
		ch.activeChunks = 0
		ch.mu.Unlock()
		for _, c := range all {
			h.releaseChunk(c)
		}
	}
	for _, r := range h.index.rawRegions() {
		h.freeDirect(r)
	}
}

func (h *Heap[P]) recordAlloc(req, usable int) {
	if req < 1 {
		req = 1
	}
	h.stats.allocs.Add(1)
	h.stats.inUseBytes.Add(int64(usable))
	h.stats.paddedBytes.Add(int64(usable - req))
}

func (h *Heap[P]) recordFree(usable int) {
	h.stats.frees.Add(1)
	h.stats.inUseBytes.Add(-int64(usable))
}

// blockSlice builds the caller-facing slice over an off-heap block.
// A zero-size request yields an empty slice whose capacity is the full block.
func blockSlice(addr uintptr, size, usable int) []byte {
	if size < 0 {
		size = 0
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), usable)[:size:usable]
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}
