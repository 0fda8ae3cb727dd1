package heap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// hashSlots is the number of top-level hash slots in the page index.
	// Must be a power of two for unbiased masking.
	hashSlots = 256

	// bucketPageBits sets how many pages one hash bucket spans (2^bits).
	bucketPageBits = 6
)

// rawRegion describes memory reserved straight from the page provider,
// bypassing the pool system. Size is the page-rounded reservation size.
type rawRegion struct {
	mem  []byte
	base uintptr
	size int
}

// pageEntry is one page-granular slot in a bucket table. At most one of the
// fields is set, and only for the head page of the region it describes.
type pageEntry struct {
	ch  *chunk
	raw *rawRegion
}

func (e pageEntry) isZero() bool {
	return e.ch == nil && e.raw == nil
}

// hashBucket covers a 2^bucketPageBits page span of the address space.
// Buckets hang off their hash slot in an open doubly-linked chain; the
// page-granular entry table is allocated on first registration into the span.
type hashBucket struct {
	key        uint64 // addr >> bucketShift
	entries    []pageEntry
	prev, next *hashBucket
}

// pageIndex maps a live pointer back to the chunk or raw region that owns it.
//
// Addresses are partitioned into per-bucket spans keyed by their high bits;
// within a span, a dense table holds one entry per page. Only head pages are
// registered: resolving a pointer in a trailing page walks backward a bounded
// number of page steps until it finds the head entry of the owning region.
type pageIndex struct {
	mu        sync.RWMutex
	slots     [hashSlots]*hashBucket
	pageShift uint
	maxWalk   int // Upper bound on backward page steps (chunk pages).
}

func newPageIndex(pageSize int) *pageIndex {
	shift := uint(0)
	for 1<<shift < pageSize {
		shift++
	}
	if 1<<shift != pageSize {
		panic(fmt.Errorf("page size %d is not a power of two", pageSize))
	}
	return &pageIndex{
		pageShift: shift,
		maxWalk:   chunkBytes >> shift,
	}
}

// hashSlot hashes a bucket key into a top-level slot.
func hashSlot(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return xxhash.Sum64(b[:]) & (hashSlots - 1)
}

func (ix *pageIndex) bucketShift() uint {
	return ix.pageShift + bucketPageBits
}

// bucketFor returns the bucket covering addr, optionally creating it.
// The caller must hold ix.mu for writing when create is true, for reading otherwise.
func (ix *pageIndex) bucketFor(addr uintptr, create bool) *hashBucket {
	key := uint64(addr) >> ix.bucketShift()
	slot := hashSlot(key)
	for b := ix.slots[slot]; b != nil; b = b.next {
		if b.key == key {
			return b
		}
	}
	if !create {
		return nil
	}
	b := &hashBucket{
		key:     key,
		entries: make([]pageEntry, 1<<bucketPageBits),
	}
	b.next = ix.slots[slot]
	if b.next != nil {
		b.next.prev = b
	}
	ix.slots[slot] = b
	return b
}

func (ix *pageIndex) entryAt(page uintptr, create bool) *pageEntry {
	b := ix.bucketFor(page<<ix.pageShift, create)
	if b == nil {
		return nil
	}
	return &b.entries[page&(1<<bucketPageBits-1)]
}

// registerChunk records the chunk under its head page.
func (ix *pageIndex) registerChunk(c *chunk) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := ix.entryAt(c.base>>ix.pageShift, true)
	if !e.isZero() {
		panic(fmt.Errorf("internal error: page at %#x registered twice", c.base))
	}
	e.ch = c
}

// registerRaw records a direct page reservation under its head page.
func (ix *pageIndex) registerRaw(r *rawRegion) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := ix.entryAt(r.base>>ix.pageShift, true)
	if !e.isZero() {
		panic(fmt.Errorf("internal error: page at %#x registered twice", r.base))
	}
	e.raw = r
}

// unregister clears the head-page entry for a region base, pruning the bucket
// once its span holds no registrations.
func (ix *pageIndex) unregister(base uintptr) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b := ix.bucketFor(base, false)
	if b == nil {
		panic(fmt.Errorf("internal error: unregister of unknown page at %#x", base))
	}
	page := base >> ix.pageShift
	e := &b.entries[page&(1<<bucketPageBits-1)]
	if e.isZero() {
		panic(fmt.Errorf("internal error: unregister of unknown page at %#x", base))
	}
	*e = pageEntry{}

	for i := range b.entries {
		if !b.entries[i].isZero() {
			return
		}
	}
	// Span is empty; unlink the bucket so dead address ranges do not pin
	// their tables forever.
	key := b.key
	slot := hashSlot(key)
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		ix.slots[slot] = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
}

// rawRegions returns every registered direct region. Used on heap teardown.
func (ix *pageIndex) rawRegions() []*rawRegion {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var rs []*rawRegion
	for _, b := range ix.slots {
		for ; b != nil; b = b.next {
			for i := range b.entries {
				if r := b.entries[i].raw; r != nil {
					rs = append(rs, r)
				}
			}
		}
	}
	return rs
}

// resolve maps addr to its owning chunk or raw region. Both results are nil
// when the address was never handed out by this heap.
func (ix *pageIndex) resolve(addr uintptr) (*chunk, *rawRegion) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	page := addr >> ix.pageShift
	for step := 0; step <= ix.maxWalk; step++ {
		e := ix.entryAt(page-uintptr(step), false)
		if e == nil || e.isZero() {
			continue
		}
		if e.ch != nil {
			if e.ch.contains(addr) {
				return e.ch, nil
			}
			return nil, nil // Nearest head does not own addr.
		}
		if addr >= e.raw.base && addr < e.raw.base+uintptr(e.raw.size) {
			return nil, e.raw
		}
		return nil, nil
	}
	return nil, nil
}
