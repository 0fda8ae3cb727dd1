package heap

// Stats represents aggregated heap counters. Byte counters are current
// values; PaddedBytes is the cumulative quantization overhead across all
// allocations, since the originally requested size is not stored next to
// user data and cannot be recovered at free time.
type Stats struct {
	OSBytes      int64 // Bytes currently reserved from the page provider.
	InUseBytes   int64 // Quantized bytes currently handed out.
	PaddedBytes  int64 // Cumulative bytes lost to size-class quantization.
	Allocs       int64
	Frees        int64
	CacheHits    int64 // Allocations served from a cache's own bundles.
	RecyclerHits int64 // Allocations served from a recycler bundle.

	ActiveChunks [NumClasses]int64 // Live chunks per size class, warm included.
}

func (s *Stats) Reset() {
	*s = Stats{}
}

// UpdateStats adds the heap's current counters into s.
func (h *Heap[P]) UpdateStats(s *Stats) {
	s.OSBytes += h.stats.osBytes.Load()
	s.InUseBytes += h.stats.inUseBytes.Load()
	s.PaddedBytes += h.stats.paddedBytes.Load()
	s.Allocs += h.stats.allocs.Load()
	s.Frees += h.stats.frees.Load()
	s.CacheHits += h.stats.cacheHits.Load()
	s.RecyclerHits += h.stats.recyclerHits.Load()
	for class := range h.classes {
		ch := &h.classes[class]
		ch.mu.Lock()
		s.ActiveChunks[class] += ch.activeChunks
		ch.mu.Unlock()
	}
}
