// Package source supplies heaps with the memory they grow into.
//
// A heap never moves its arena, so every Source hands out one contiguous reservation that only
// ever grows at its end, in the manner of a program break.
package source

import "github.com/cockroachdb/errors"

// ErrSourceExhausted is returned from Source.Grow when the source cannot supply any more memory
var ErrSourceExhausted = errors.New("memory source exhausted")

// ErrSourceClosed is returned from Source.Grow after Source.Close has been called
var ErrSourceClosed = errors.New("memory source closed")

// Source is a contiguous region of memory that grows at its end on request.
//
// Implementations are not expected to be safe for concurrent use.
type Source interface {
	// Grow extends the memory by at least size bytes and returns the whole region. The region must
	// begin at the same address every time, and bytes returned by earlier calls must be unchanged.
	// The source may grant more than size bytes.
	Grow(size int) ([]byte, error)
	// Close releases the whole region. Slices returned from Grow must not be used afterwards.
	Close() error
}
