package heap

import (
	"fmt"
	"sync"
	"unsafe"
)

// cacheBin is the per-class state of a cache: at most one partial and one full
// bundle at any time.
type cacheBin struct {
	partial *bundle
	full    *bundle
}

// Cache is a two-tier bundle cache front-ending the heap for one caller.
//
// A Cache is intended to be owned by a single goroutine. Its mutex is
// uncontended on the owner's fast path; it exists so Trim can drain a cache
// from another goroutine without stopping the owner. Alloc and Free touch only
// the cache's own bundles until they miss or overflow.
type Cache[P PageProvider] struct {
	h      *Heap[P]
	mu     sync.Mutex
	bins   [numClasses]cacheBin
	closed bool
}

// NewCache creates a cache and registers it for trimming. The caller owns the
// cache and must Close it to hand cached blocks back to the heap.
func (h *Heap[P]) NewCache() *Cache[P] {
	c := &Cache[P]{h: h}
	h.cachesMu.Lock()
	h.caches[c] = struct{}{}
	h.cachesMu.Unlock()
	return c
}

// Alloc reserves memory for (size, align) through the cache. Pooled requests
// are served from the partial bundle, then the promoted full bundle, then a
// bundle claimed from the recycler, and only then from the locked pool tables.
// Direct requests bypass the cache entirely.
func (c *Cache[P]) Alloc(size, align int) ([]byte, error) {
	req := size
	if size < 1 {
		size = 1
	}
	class, ok := classFor(size, align)
	if !ok {
		return c.h.allocDirect(req, size)
	}
	blockSize := blockSizeOf(class)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic(fmt.Errorf("illegal alloc on closed cache"))
	}
	bin := &c.bins[class]
	if bin.partial == nil || bin.partial.empty() {
		switch {
		case bin.full != nil:
			// Promote the full bundle; no lock beyond our own.
			bin.partial = bin.full
			bin.full = nil
			c.h.stats.cacheHits.Add(1)
		default:
			if b := c.h.rec.pop(class); b != nil {
				bin.partial = b
				c.h.stats.recyclerHits.Add(1)
			}
		}
	} else {
		c.h.stats.cacheHits.Add(1)
	}
	if bin.partial != nil && !bin.partial.empty() {
		addr := bin.partial.pop(blockSize)
		c.mu.Unlock()
		c.h.recordAlloc(req, blockSize)
		return blockSlice(addr, req, blockSize), nil
	}
	c.mu.Unlock()

	// Miss on every tier: locked pool path.
	addr, err := c.h.allocBlock(class)
	if err != nil {
		return nil, err
	}
	c.h.recordAlloc(req, blockSize)
	return blockSlice(addr, req, blockSize), nil
}

// Free pushes the block back onto the partial bundle. When the partial bundle
// exceeds the configured block or byte budget it becomes full, and the
// previously full bundle (if any) is handed to the recycler or, when the
// recycler is saturated, drained straight into the pool tables.
func (c *Cache[P]) Free(p []byte) error {
	if p == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	ck, raw := c.h.index.resolve(addr)
	if ck == nil {
		if raw == nil {
			return fmt.Errorf("%w: %#x", ErrUnknownPointer, addr)
		}
		c.h.freeDirect(raw)
		return nil
	}
	class := ck.class
	blockSize := ck.blockSize
	c.h.recordFree(blockSize)

	var overflow *bundle
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic(fmt.Errorf("illegal free on closed cache"))
	}
	bin := &c.bins[class]
	if bin.partial == nil {
		bin.partial = &bundle{canary: c.h.cfg.Canary}
	}
	bin.partial.push(addr, blockSize)
	if bin.partial.count >= c.h.cfg.MaxBundleBlocks || bin.partial.bytes >= c.h.cfg.MaxBundleBytes {
		overflow = bin.full
		bin.full = bin.partial
		bin.partial = nil
	}
	c.mu.Unlock()

	if overflow != nil && !c.h.rec.push(class, overflow) {
		c.h.drainBundle(class, overflow)
	}
	return nil
}

// flush hands every cached bundle back to the heap. Called by Trim and Close.
func (c *Cache[P]) flush() {
	c.mu.Lock()
	var bundles [numClasses][2]*bundle
	for class := range c.bins {
		bin := &c.bins[class]
		bundles[class][0] = bin.partial
		bundles[class][1] = bin.full
		bin.partial = nil
		bin.full = nil
	}
	c.mu.Unlock()

	for class := range bundles {
		for _, b := range bundles[class] {
			if b != nil && !b.empty() {
				c.h.drainBundle(uint8(class), b)
			}
		}
	}
}

// Close drains the cache and unregisters it. Further use panics.
func (c *Cache[P]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.flush()
	c.h.cachesMu.Lock()
	delete(c.h.caches, c)
	c.h.cachesMu.Unlock()
}
