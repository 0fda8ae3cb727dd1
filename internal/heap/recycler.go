package heap

import "sync/atomic"

// slot is a single-bundle exchange cell. Push and pop are lock-free
// compare-and-swap operations: push succeeds only on an empty cell, pop only
// when it wins the race for a non-empty one. The slot owns the bundle between
// a successful push and the next successful pop.
type slot struct {
	b atomic.Pointer[bundle]
}

// tryPush installs the bundle if the slot is empty.
func (s *slot) tryPush(b *bundle) bool {
	return s.b.CompareAndSwap(nil, b)
}

// tryPop claims the slot's bundle, or returns nil if the slot is empty or
// another caller claimed it first.
func (s *slot) tryPop() *bundle {
	b := s.b.Load()
	if b == nil {
		return nil
	}
	if s.b.CompareAndSwap(b, nil) {
		return b
	}
	return nil
}

// recycler holds a small fixed number of spare full bundles per size class,
// shared across caches. It absorbs cross-thread alloc/free spikes without
// touching the pool locks: a cache overflowing hands its full bundle here, a
// cache missing claims one. Bundles parked here are ephemeral; Trim drains
// them back to their pools.
type recycler struct {
	slots [][]slot // [class][slot]
}

func newRecycler(slotsPerClass int) *recycler {
	r := &recycler{slots: make([][]slot, numClasses)}
	for c := range r.slots {
		r.slots[c] = make([]slot, slotsPerClass)
	}
	return r
}

// push parks a full bundle for the class. It returns false when every slot is
// occupied; the caller must then drain the bundle into the pool system itself.
func (r *recycler) push(class uint8, b *bundle) bool {
	for i := range r.slots[class] {
		if r.slots[class][i].tryPush(b) {
			return true
		}
	}
	return false
}

// pop claims a parked bundle for the class, or nil if none is available.
func (r *recycler) pop(class uint8) *bundle {
	for i := range r.slots[class] {
		if b := r.slots[class][i].tryPop(); b != nil {
			return b
		}
	}
	return nil
}

// drain claims every parked bundle of the class.
func (r *recycler) drain(class uint8) []*bundle {
	var bs []*bundle
	for i := range r.slots[class] {
		if b := r.slots[class][i].tryPop(); b != nil {
			bs = append(bs, b)
		}
	}
	return bs
}
