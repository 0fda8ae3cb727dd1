package heap

import (
	"fmt"
	"unsafe"
)

// bundle is a singly-linked stack of freed blocks of one size class, threaded
// through the blocks' own in-place headers. Blocks in a bundle may come from
// different chunks; they are resolved back to their owners only when the
// bundle is drained into the pool system.
//
// A bundle is owned by exactly one party at a time (a cache bin, a recycler
// slot, or the drainer) and is never mutated concurrently.
type bundle struct {
	head   uintptr // Address of the top block, 0 when empty.
	count  int
	bytes  int
	canary bool
}

func (b *bundle) empty() bool {
	return b.count == 0
}

// push links the block at addr on top of the stack.
func (b *bundle) push(addr uintptr, blockSize int) {
	*(*uintptr)(unsafe.Pointer(addr + nodeNextOff)) = b.head
	if b.canary {
		*(*uint32)(unsafe.Pointer(addr + canaryOff)) = canaryWord
	}
	b.head = addr
	b.count++
	b.bytes += blockSize
}

// pop unlinks and returns the top block. The bundle must not be empty.
func (b *bundle) pop(blockSize int) uintptr {
	addr := b.head
	if addr == 0 {
		panic(fmt.Errorf("internal error: pop from empty bundle"))
	}
	if b.canary && *(*uint32)(unsafe.Pointer(addr + canaryOff)) != canaryWord {
		panic(fmt.Errorf(
			"free-list corruption: canary mismatch at %#x in cached bundle; "+
				"likely use-after-free or double free", addr))
	}
	b.head = *(*uintptr)(unsafe.Pointer(addr + nodeNextOff))
	b.count--
	b.bytes -= blockSize
	return addr
}
