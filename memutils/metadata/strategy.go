package metadata

import (
	"strings"

	"github.com/pkg/errors"
)

// AllocationStrategy selects how the free ring is searched for a block to satisfy a request. It is
// fixed for the lifetime of the heap that uses it.
type AllocationStrategy uint32

const (
	// AllocationStrategyFirstFit walks the ring starting just past the cursor and takes the first
	// free block large enough for the request. This is the default.
	AllocationStrategyFirstFit AllocationStrategy = iota
	// AllocationStrategyWorstFit walks the entire ring and takes the largest free block, provided
	// it is large enough for the request.
	AllocationStrategyWorstFit
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyFirstFit: "first-fit",
	AllocationStrategyWorstFit: "worst-fit",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

// ParseAllocationStrategy maps a strategy name such as "first-fit" or "worst" onto its AllocationStrategy
func ParseAllocationStrategy(name string) (AllocationStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "first-fit", "firstfit", "first":
		return AllocationStrategyFirstFit, nil
	case "worst-fit", "worstfit", "worst":
		return AllocationStrategyWorstFit, nil
	}

	return AllocationStrategyFirstFit, errors.Errorf("unknown allocation strategy: %q", name)
}
