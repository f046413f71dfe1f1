package source

import "github.com/cockroachdb/errors"

// Slice is a Source backed by a single Go allocation of fixed capacity. Growth past the capacity
// fails with ErrSourceExhausted, which makes Slice useful for bounding a heap and for exercising
// out-of-memory paths.
type Slice struct {
	data   []byte
	closed bool
}

var _ Source = &Slice{}

// NewSlice creates a Slice that can grow to at most limit bytes
func NewSlice(limit int) *Slice {
	if limit < 0 {
		limit = 0
	}

	return &Slice{
		data: make([]byte, 0, limit),
	}
}

func (s *Slice) Grow(size int) ([]byte, error) {
	if s.closed {
		return nil, ErrSourceClosed
	}

	if size < 0 {
		return nil, errors.Newf("invalid growth size: %d", size)
	}

	if size > cap(s.data)-len(s.data) {
		return nil, errors.Wrapf(ErrSourceExhausted, "cannot grow %d bytes by %d within a limit of %d", len(s.data), size, cap(s.data))
	}

	s.data = s.data[:len(s.data)+size]
	return s.data, nil
}

// Limit returns the largest size this source will grow to
func (s *Slice) Limit() int {
	return cap(s.data)
}

func (s *Slice) Close() error {
	s.data = nil
	s.closed = true
	return nil
}
