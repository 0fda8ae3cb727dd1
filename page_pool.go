package palloc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	// maxCachedRegionSize bounds which released regions the pool keeps around.
	// Larger regions (big direct allocations) go straight back to the OS.
	maxCachedRegionSize = 2 * MiB
)

type PagePoolConfig struct {
	// CacheThresholdBytes is the number of free bytes the pool can hold
	// before starting to release memory back to the OS.
	CacheThresholdBytes int
}

func DefaultPagePoolConfig() PagePoolConfig {
	return PagePoolConfig{
		CacheThresholdBytes: 64 * MiB,
	}
}

// PagePool is a thread-safe source of page-aligned off-heap memory regions.
//
// Regions are reserved with anonymous mmap, so allocator-managed bytes are not
// part of the Go heap and the GC never scans them. Released regions are cached
// in per-size free lists to avoid syscall churn; once the cached total exceeds
// the configured threshold, half of a size's free list is unmapped (outside
// the lock) to prevent thrashing around the threshold.
type PagePool struct {
	mu        sync.Mutex
	free      map[int][][]byte // Region size → stack of released regions.
	freeBytes int
	threshold int
	pageSize  int

	mappedBytes atomic.Int64
	cachedBytes atomic.Int64
}

// NewPagePool creates a new, empty page pool.
func NewPagePool(config PagePoolConfig) *PagePool {
	return &PagePool{
		free:      make(map[int][][]byte),
		threshold: config.CacheThresholdBytes,
		pageSize:  unix.Getpagesize(),
	}
}

// PageSize returns the OS page granularity.
func (p *PagePool) PageSize() int {
	return p.pageSize
}

// Reserve returns a page-aligned region of at least size bytes, rounded up to
// the page granularity, reusing a cached region when one of the exact size is
// available. A nil error guarantees a usable region; failure to reserve is
// reported as an error, never a panic.
func (p *PagePool) Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid reservation size %d", size)
	}
	size = (size + p.pageSize - 1) / p.pageSize * p.pageSize

	p.mu.Lock()
	if list := p.free[size]; len(list) > 0 {
		n := len(list) - 1
		mem := list[n]
		p.free[size] = list[:n]
		p.freeBytes -= size
		p.mu.Unlock()
		p.cachedBytes.Add(-int64(size))
		return mem, nil
	}
	p.mu.Unlock()

	// Use mmap to reserve virtual memory that is not part of the Go heap.
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot reserve %d bytes via mmap: %w", size, err)
	}
	p.mappedBytes.Add(int64(size))
	return mem, nil
}

// Release returns a region obtained from Reserve. Small regions are cached
// for reuse; oversized ones and any overflow beyond the cache threshold are
// unmapped, outside the lock to avoid blocking other operations.
func (p *PagePool) Release(mem []byte) {
	if mem == nil {
		return
	}
	size := cap(mem)
	mem = mem[:size] // Restore full capacity before caching.

	if size > maxCachedRegionSize {
		p.unmap(mem)
		return
	}

	var toUnmap [][]byte
	p.mu.Lock()
	p.free[size] = append(p.free[size], mem)
	p.freeBytes += size
	if p.threshold > 0 && p.freeBytes > p.threshold {
		// Release half of this size's free regions to prevent thrashing
		// around the threshold.
		list := p.free[size]
		n := len(list) / 2
		toUnmap = list[:n]
		p.free[size] = list[n:]
		p.freeBytes -= n * size
	}
	p.mu.Unlock()
	p.cachedBytes.Add(int64(size))

	for _, region := range toUnmap {
		p.cachedBytes.Add(-int64(cap(region)))
		p.unmap(region)
	}
}

// Trim releases cached regions back to the OS: half of every free list, or
// all of them when aggressive.
func (p *PagePool) Trim(aggressive bool) {
	var toUnmap [][]byte
	p.mu.Lock()
	for size, list := range p.free {
		n := len(list)
		if !aggressive {
			n = len(list) / 2
		}
		toUnmap = append(toUnmap, list[:n]...)
		p.free[size] = list[n:]
		p.freeBytes -= n * size
	}
	p.mu.Unlock()

	for _, region := range toUnmap {
		p.cachedBytes.Add(-int64(cap(region)))
		p.unmap(region)
	}
}

// MappedBytes returns the bytes currently mapped from the OS, cached regions
// included.
func (p *PagePool) MappedBytes() int64 {
	return p.mappedBytes.Load()
}

// CachedBytes returns the bytes held in the free lists.
func (p *PagePool) CachedBytes() int64 {
	return p.cachedBytes.Load()
}

// numFree returns the number of cached regions of a given size.
// It is primarily intended as a helper method in tests.
func (p *PagePool) numFree(size int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[size])
}

// unmap releases the memory of a region back to the operating system.
func (p *PagePool) unmap(mem []byte) {
	p.mappedBytes.Add(-int64(cap(mem)))
	if err := unix.Munmap(mem); err != nil {
		slog.Error("failed to unmap region", "error", err)
	}
}
