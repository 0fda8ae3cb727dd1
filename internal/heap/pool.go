package heap

import (
	"fmt"
	"unsafe"
)

// canaryWord marks a block that is sitting on a free list. It is written into
// the in-place header when canary checking is enabled and verified every time
// the header is read back. A mismatch means the caller wrote through a freed
// block (or freed it twice) and the free list can no longer be trusted.
const canaryWord uint32 = 0xdeadbeef

// noBlock is the free-list terminator.
const noBlock uint32 = ^uint32(0)

// In-place header layouts, written into the first bytes of a free block.
// Neither layout survives allocation: the block is handed to the caller whole.
// Offsets are fixed so both forms stay within MinBlockSize bytes.
const (
	runNextOff  = 0 // uint32: block index of the next free run.
	runCountOff = 4 // uint32: number of contiguous free blocks in this run.
	nodeNextOff = 0 // uintptr: address of the next block in a bundle.
	canaryOff   = 8 // uint32: canaryWord, only when canary checking is on.
)

// chunk is one contiguous page-provider-backed region subdivided into
// fixed-size blocks of a single size class.
//
// Free blocks are tracked as an intrusive singly-linked list of runs: each run
// header lives in the first block of the run and records the run length plus
// the index of the next run. A freshly created chunk is a single run spanning
// every block; returned blocks are pushed as single-block runs.
type chunk struct {
	mem    []byte
	base   uintptr
	class  uint8
	canary bool

	blockSize int
	blocks    int    // Total block slots in the chunk.
	taken     int    // Live blocks handed out.
	freeHead  uint32 // Block index of the first free run, or noBlock.

	// Intrusive links for the owning class list (available/exhausted).
	prev, next *chunk
}

// newChunk carves mem into blocks of the class and initializes one free run
// spanning the whole chunk. mem must be page aligned and hold at least one block.
func newChunk(mem []byte, class uint8, canary bool) *chunk {
	c := &chunk{
		mem:       mem,
		base:      uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		class:     class,
		canary:    canary,
		blockSize: blockSizeOf(class),
	}
	c.blocks = len(mem) / c.blockSize
	c.freeHead = 0
	c.writeRun(0, noBlock, uint32(c.blocks))
	return c
}

// contains reports whether addr falls inside the chunk's backing region.
func (c *chunk) contains(addr uintptr) bool {
	return addr >= c.base && addr < c.base+uintptr(len(c.mem))
}

// hasFree reports whether the chunk has at least one free block.
func (c *chunk) hasFree() bool {
	return c.freeHead != noBlock
}

// empty reports whether no blocks are live.
func (c *chunk) empty() bool {
	return c.taken == 0
}

// takeBlock pops one block from the head run and returns its address.
// The chunk must have a free block.
func (c *chunk) takeBlock() uintptr {
	head := c.freeHead
	next, count := c.readRun(head)

	// Take the last block of the run so the run header stays put until the
	// run is exhausted.
	idx := head + count - 1
	if count == 1 {
		c.freeHead = next
	} else {
		c.putUint32(head, runCountOff, count-1)
	}
	c.taken++
	return c.blockAddr(idx)
}

// returnBlock pushes the block holding addr back as a single-block run.
func (c *chunk) returnBlock(addr uintptr) {
	idx := c.blockIndex(addr)
	c.writeRun(idx, c.freeHead, 1)
	c.freeHead = idx
	c.taken--
	if c.taken < 0 {
		panic(fmt.Errorf("internal error: chunk at %#x freed more blocks than taken", c.base))
	}
}

func (c *chunk) blockAddr(idx uint32) uintptr {
	return c.base + uintptr(idx)*uintptr(c.blockSize)
}

func (c *chunk) blockIndex(addr uintptr) uint32 {
	off := addr - c.base
	if off%uintptr(c.blockSize) != 0 || off >= uintptr(c.blocks*c.blockSize) {
		panic(fmt.Errorf("invalid pointer %#x: not a block start in chunk at %#x (block size %d)",
			addr, c.base, c.blockSize))
	}
	return uint32(off / uintptr(c.blockSize))
}

func (c *chunk) writeRun(idx, next, count uint32) {
	c.putUint32(idx, runNextOff, next)
	c.putUint32(idx, runCountOff, count)
	if c.canary {
		c.putUint32(idx, canaryOff, canaryWord)
	}
}

func (c *chunk) readRun(idx uint32) (next, count uint32) {
	if c.canary && c.getUint32(idx, canaryOff) != canaryWord {
		panic(fmt.Errorf(
			"free-list corruption: canary mismatch at %#x (class %d, block size %d); "+
				"likely use-after-free or double free",
			c.blockAddr(idx), c.class, c.blockSize))
	}
	return c.getUint32(idx, runNextOff), c.getUint32(idx, runCountOff)
}

func (c *chunk) putUint32(idx, off, v uint32) {
	*(*uint32)(unsafe.Pointer(c.blockAddr(idx) + uintptr(off))) = v
}

func (c *chunk) getUint32(idx, off uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(c.blockAddr(idx) + uintptr(off)))
}

// chunkList is an intrusive doubly-linked list of chunks. A chunk moves
// between its class's available and exhausted lists as blocks are taken and
// returned.
type chunkList struct {
	head *chunk
}

func (l *chunkList) push(c *chunk) {
	c.prev = nil
	c.next = l.head
	if l.head != nil {
		l.head.prev = c
	}
	l.head = c
}

func (l *chunkList) remove(c *chunk) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		l.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev = nil
	c.next = nil
}

func (l *chunkList) empty() bool {
	return l.head == nil
}
