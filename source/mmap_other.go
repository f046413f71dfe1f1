//go:build !unix

package source

import "github.com/cockroachdb/errors"

// Mmap is unavailable on this platform; use Slice instead
type Mmap struct{}

var _ Source = &Mmap{}

func NewMmap(reserve int) (*Mmap, error) {
	return nil, errors.New("mmap-backed sources are only supported on unix platforms")
}

func (m *Mmap) Grow(size int) ([]byte, error) { return nil, ErrSourceClosed }
func (m *Mmap) PageSize() int                 { return 0 }
func (m *Mmap) Reserved() int                 { return 0 }
func (m *Mmap) Close() error                  { return nil }
