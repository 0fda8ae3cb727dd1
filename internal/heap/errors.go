package heap

import "errors"

var (
	// ErrOutOfMemory is returned when the page provider cannot satisfy a
	// reservation for a new chunk or a direct allocation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrUnknownPointer is returned when a pointer cannot be resolved to a
	// chunk or direct region owned by this heap. Passing foreign pointers to
	// Free or AllocationSize is out of contract; this error exists so the
	// facade can fail loudly instead of corrupting a free list.
	ErrUnknownPointer = errors.New("pointer does not belong to this heap")
)
