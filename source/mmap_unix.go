//go:build unix

package source

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapring/memutils"
	"golang.org/x/sys/unix"
)

// Mmap is a Source backed by an anonymous private mapping. The full reservation is mapped up front
// with no access rights and committed a page-aligned run at a time as the source grows, so addresses
// never move and untouched memory is never paid for.
type Mmap struct {
	reservation []byte
	committed   int
	pageSize    int
}

var _ Source = &Mmap{}

// NewMmap reserves reserve bytes of address space, rounded up to the page size
func NewMmap(reserve int) (*Mmap, error) {
	pageSize := unix.Getpagesize()
	err := memutils.CheckPow2(uint(pageSize), "page size")
	if err != nil {
		return nil, err
	}

	if reserve <= 0 {
		return nil, errors.Newf("invalid reservation size: %d", reserve)
	}
	reserve = memutils.AlignUp(reserve, uint(pageSize))

	data, err := unix.Mmap(-1, 0, reserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes", reserve)
	}

	return &Mmap{
		reservation: data,
		pageSize:    pageSize,
	}, nil
}

func (m *Mmap) Grow(size int) ([]byte, error) {
	if m.reservation == nil {
		return nil, ErrSourceClosed
	}

	if size < 0 {
		return nil, errors.Newf("invalid growth size: %d", size)
	}

	size = memutils.AlignUp(size, uint(m.pageSize))
	if size > len(m.reservation)-m.committed {
		return nil, errors.Wrapf(ErrSourceExhausted, "cannot commit %d more bytes of a %d byte reservation with %d committed", size, len(m.reservation), m.committed)
	}

	err := unix.Mprotect(m.reservation[m.committed:m.committed+size], unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to commit %d bytes", size)
	}

	m.committed += size
	return m.reservation[:m.committed:m.committed], nil
}

// PageSize returns the granularity in which the source commits memory
func (m *Mmap) PageSize() int {
	return m.pageSize
}

// Reserved returns the size in bytes of the address space reserved for this source
func (m *Mmap) Reserved() int {
	return len(m.reservation)
}

func (m *Mmap) Close() error {
	if m.reservation == nil {
		return nil
	}

	err := unix.Munmap(m.reservation)
	m.reservation = nil
	m.committed = 0
	return err
}
