package heap

import (
	"errors"
	"fmt"
	"sort"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	// MinBlockSize is the block size of the smallest size class. It bounds the
	// in-place free header: a header must never be larger than the smallest
	// block, since headers are written into free blocks themselves.
	MinBlockSize = 16

	// MaxPooledSize is the largest request served from the pool system.
	// Anything larger goes straight to the page provider.
	MaxPooledSize = 32 * KiB

	// chunkBytes is the backing size of one pool chunk. A multiple of every
	// supported OS page size, so chunk bases are always page aligned.
	chunkBytes = 64 * KiB

	smallCutoff = 2048 // Largest size covered by the fine-grained table.
	smallStep   = 16   // Class size granularity at and below smallCutoff.
	largeStep   = 256  // Class size granularity above smallCutoff.
)

// classBlockSizes is the canonical ascending list of block sizes. Sizes grow
// roughly geometrically: every size at or below smallCutoff is a multiple of
// smallStep, every size above it a multiple of largeStep. Both properties are
// asserted at init and relied on by the O(1) lookup tables below.
var classBlockSizes = [...]int{
	16, 32, 48, 64, 80, 96, 112, 128,
	160, 192, 224, 256,
	320, 384, 448, 512,
	640, 768, 896, 1024,
	1280, 1536, 1792, 2048,
	2560, 3072, 3584, 4096,
	5120, 6144, 7168, 8192,
	10240, 12288, 14336, 16384,
	20480, 24576, 28672, 32768,
}

const numClasses = len(classBlockSizes)

// Direct lookup tables for O(1) size→class mapping without a search.
//   - smallClassTable[ceil(size/smallStep)] covers 1..smallCutoff.
//   - largeClassTable[ceil((size-smallCutoff)/largeStep)] covers the rest.
var (
	smallClassTable [smallCutoff/smallStep + 1]uint8
	largeClassTable [(MaxPooledSize-smallCutoff)/largeStep + 1]uint8
)

func init() {
	// Runtime assertions mirroring the invariants the tables depend on.
	if !sort.IntsAreSorted(classBlockSizes[:]) {
		panic(errors.New("class block sizes must be sorted in ascending order"))
	}
	if classBlockSizes[0] != MinBlockSize || classBlockSizes[numClasses-1] != MaxPooledSize {
		panic(errors.New("class block sizes must span MinBlockSize..MaxPooledSize"))
	}
	for _, s := range classBlockSizes {
		step := smallStep
		if s > smallCutoff {
			step = largeStep
		}
		if s%step != 0 {
			panic(fmt.Errorf("class block size %d is not a multiple of its granularity %d", s, step))
		}
	}

	c := uint8(0)
	for i := 1; i < len(smallClassTable); i++ {
		size := i * smallStep
		for classBlockSizes[c] < size {
			c++
		}
		smallClassTable[i] = c
	}
	for i := 1; i < len(largeClassTable); i++ {
		size := smallCutoff + i*largeStep
		for classBlockSizes[c] < size {
			c++
		}
		largeClassTable[i] = c
	}
}

// classForSize returns the smallest class whose block size is >= size.
// Size must be in 1..MaxPooledSize.
func classForSize(size int) uint8 {
	if size <= smallCutoff {
		return smallClassTable[(size+smallStep-1)/smallStep]
	}
	return largeClassTable[(size-smallCutoff+largeStep-1)/largeStep]
}

// classFor returns the smallest class whose block size is >= size and a
// multiple of align, so a block start (a multiple of its block size from a
// page-aligned chunk base) satisfies the requested alignment.
//
// The ok result is false when no pooled class can serve the request; the
// caller must fall back to the direct page path. Align must be a power of two.
func classFor(size, align int) (class uint8, ok bool) {
	if size > MaxPooledSize {
		return 0, false
	}
	if size < 1 {
		size = 1
	}
	c := classForSize(size)
	if align > MinBlockSize {
		for int(c) < numClasses && classBlockSizes[c]%align != 0 {
			c++
		}
		if int(c) == numClasses {
			return 0, false
		}
	}
	return c, true
}

// blockSizeOf returns the block size of a class.
func blockSizeOf(class uint8) int {
	return classBlockSizes[class]
}

// blocksPerChunk returns how many blocks of a class fit in one chunk.
func blocksPerChunk(class uint8) int {
	return chunkBytes / classBlockSizes[class]
}
