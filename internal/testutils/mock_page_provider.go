package testutils

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const MockPageSize = 4096

var ErrMockExhausted = errors.New("mock page provider exhausted")

// MockPageProvider is an in-process page provider for tests. Regions come from
// the Go heap but are aligned to the mock page size, so alignment and index
// behavior match the real mmap-backed provider. It accounts every reservation
// and can be armed to fail after a byte budget, for out-of-memory paths.
type MockPageProvider struct {
	mu       sync.Mutex
	reserved map[*byte][]byte // Keyed by aligned base; value holds the raw parent alive.

	reserveCalls atomic.Int64
	releaseCalls atomic.Int64
	mappedBytes  atomic.Int64

	// FailAfterBytes makes Reserve fail once total reserved bytes would
	// exceed the budget. Zero means no limit.
	FailAfterBytes int64
}

func NewMockPageProvider() *MockPageProvider {
	return &MockPageProvider{reserved: make(map[*byte][]byte)}
}

func (p *MockPageProvider) PageSize() int {
	return MockPageSize
}

func (p *MockPageProvider) Reserve(size int) ([]byte, error) {
	if size <= 0 || size%MockPageSize != 0 {
		panic(fmt.Errorf("mock provider: reserve size %d is not a page multiple", size))
	}
	if p.FailAfterBytes > 0 && p.mappedBytes.Load()+int64(size) > p.FailAfterBytes {
		return nil, ErrMockExhausted
	}

	// Over-allocate and slide forward to a page-aligned start.
	raw := make([]byte, size+MockPageSize-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	aligned := (base + MockPageSize - 1) &^ (MockPageSize - 1)
	mem := raw[aligned-base : int(aligned-base)+size : int(aligned-base)+size]

	p.mu.Lock()
	p.reserved[unsafe.SliceData(mem)] = raw
	p.mu.Unlock()
	p.reserveCalls.Add(1)
	p.mappedBytes.Add(int64(size))
	return mem, nil
}

func (p *MockPageProvider) Release(mem []byte) {
	key := unsafe.SliceData(mem)
	p.mu.Lock()
	if _, ok := p.reserved[key]; !ok {
		p.mu.Unlock()
		panic(fmt.Errorf("mock provider: release of unknown region at %p", key))
	}
	delete(p.reserved, key)
	p.mu.Unlock()
	p.releaseCalls.Add(1)
	p.mappedBytes.Add(-int64(cap(mem)))
}

func (p *MockPageProvider) ReserveCalls() int64 {
	return p.reserveCalls.Load()
}

func (p *MockPageProvider) ReleaseCalls() int64 {
	return p.releaseCalls.Load()
}

func (p *MockPageProvider) MappedBytes() int64 {
	return p.mappedBytes.Load()
}

func (p *MockPageProvider) RegionsInUse() int64 {
	return p.ReserveCalls() - p.ReleaseCalls()
}
