package heap

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned from Allocate and Reallocate when the heap has no free block large
// enough for a request and its source refused to grow. The source's own error is kept in the chain.
var ErrOutOfMemory = errors.New("out of memory")

// ErrInvalidPointer is returned when a pointer passed to the heap cannot refer to a block in its arena.
// Pointers that do fall inside the arena are trusted: releasing the same pointer twice, or a pointer
// that was never returned by this heap, is undefined behavior.
var ErrInvalidPointer = errors.New("pointer does not refer to a block in this heap")
