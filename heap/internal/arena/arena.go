// Package arena owns the raw bytes of a heap and the header-prefix block layout written into them.
// It is the only package in heapring that dereferences arena memory through unsafe pointers, and it
// bounds-checks every block index before doing so.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapring/memutils"
	"github.com/vkngwrapper/heapring/memutils/metadata"
)

// ErrArenaMoved is returned from Extend when the new view of the arena does not begin at the same
// address as the old one, which would invalidate every payload slice handed out so far
var ErrArenaMoved = errors.New("arena base address changed during growth")

// ErrArenaShrunk is returned from Extend when the new view of the arena is shorter than the old one
var ErrArenaShrunk = errors.New("arena shrank during growth")

// blockHeader is the in-memory layout of a block header. Its size defines memutils.UnitSize.
type blockHeader struct {
	link uint64
	size uint64
}

var _ [memutils.UnitSize - int(unsafe.Sizeof(blockHeader{}))]struct{}
var _ [int(unsafe.Sizeof(blockHeader{})) - memutils.UnitSize]struct{}

// Arena is a contiguous, growable run of bytes divided into units. Block headers are stored in-band:
// the header of the block at index i occupies unit i, directly in front of the block's payload.
type Arena struct {
	data []byte
}

var _ metadata.Headers = &Arena{}

// Units returns the number of whole units in the arena
func (a *Arena) Units() int {
	return len(a.data) / memutils.UnitSize
}

// Len returns the length of the arena in bytes
func (a *Arena) Len() int {
	return len(a.data)
}

// Extend replaces the arena's view of its memory with a longer view of the same memory, as returned
// by a source after growth. The bytes already in the arena must be unchanged and must not have moved.
func (a *Arena) Extend(data []byte) error {
	if len(data) < len(a.data) {
		return errors.Wrapf(ErrArenaShrunk, "arena was %d bytes, source returned %d bytes", len(a.data), len(data))
	}

	if len(a.data) > 0 && unsafe.SliceData(a.data) != unsafe.SliceData(data) {
		return ErrArenaMoved
	}

	a.data = data
	return nil
}

// Bytes returns the arena bytes in [offset, offset+size)
func (a *Arena) Bytes(offset, size int) []byte {
	return a.data[offset : offset+size : offset+size]
}

func (a *Arena) header(block int) *blockHeader {
	if block < 0 || block >= a.Units() {
		panic(fmt.Sprintf("block index %d is outside an arena of %d units", block, a.Units()))
	}

	return (*blockHeader)(unsafe.Pointer(unsafe.SliceData(a.data[block*memutils.UnitSize:])))
}

func (a *Arena) Size(block int) int {
	return int(a.header(block).size)
}

func (a *Arena) SetSize(block int, size int) {
	a.header(block).size = uint64(size)
}

func (a *Arena) Link(block int) int {
	return int(a.header(block).link)
}

func (a *Arena) SetLink(block int, link int) {
	a.header(block).link = uint64(link)
}

// Drop is a no-op: an absorbed in-band header simply becomes part of its neighbor's payload
func (a *Arena) Drop(block int) {}
