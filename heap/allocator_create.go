package heap

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapring/memutils"
	"github.com/vkngwrapper/heapring/memutils/metadata"
	"github.com/vkngwrapper/heapring/source"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = map[CreateFlags]string{}

func (f CreateFlags) Register(str string) {
	createFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit > 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("CreateFlags(0x%x)", int32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// AllocatorCreateTableHeaders keeps block headers in a side table instead of in the unit directly
	// ahead of each payload. The unit is still reserved, so pointers and capacities do not change, but a
	// payload overrun can no longer corrupt the header of the block after it.
	AllocatorCreateTableHeaders CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateTableHeaders.Register("AllocatorCreateTableHeaders")
}

const (
	// DefaultMinGrowUnits is the value that is used as MinGrowUnits when none is provided via
	// CreateOptions. It is equal to 16Kb.
	DefaultMinGrowUnits int = 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Strategy selects how free blocks are chosen to satisfy a request. The zero value is first-fit.
	Strategy metadata.AllocationStrategy
	// MinGrowUnits is the smallest number of units the allocator will ask its source for when it
	// runs out of free memory, to amortize the cost of growth. Zero selects DefaultMinGrowUnits.
	MinGrowUnits int
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
}

// New creates a new Allocator
//
// logger - Receives debug output for every call and reports of refused growth and unreleased memory.
// If nil, output is discarded.
//
// src - The memory the heap grows into. The allocator owns it from this point on and closes it in
// Destroy.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, src source.Source, options CreateOptions) (*Allocator, error) {
	if src == nil {
		return nil, errors.New("heap.New requires a memory source")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	if _, known := allocationStrategies[options.Strategy]; !known {
		return nil, errors.Newf("heap.CreateOptions.Strategy has an unknown value: %d", uint32(options.Strategy))
	}

	if options.MinGrowUnits < 0 {
		return nil, errors.Newf("heap.CreateOptions.MinGrowUnits must not be negative, but was %d", options.MinGrowUnits)
	}

	allocator := &Allocator{
		logger:       logger,
		source:       src,
		strategy:     options.Strategy,
		minGrowUnits: options.MinGrowUnits,
		createFlags:  options.Flags,
	}

	if allocator.minGrowUnits == 0 {
		allocator.minGrowUnits = DefaultMinGrowUnits
	}

	if options.Flags&AllocatorCreateTableHeaders != 0 {
		allocator.table = metadata.NewTableHeaders()
		allocator.headers = allocator.table
	} else {
		allocator.headers = &allocator.arena
	}

	// The sentinel occupies the first unit of the arena
	data, err := src.Grow(memutils.UnitSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to acquire memory for the free ring sentinel"), ErrOutOfMemory)
	}

	err = allocator.arena.Extend(data)
	if err != nil {
		return nil, err
	}

	if allocator.arena.Units() < 1 {
		return nil, errors.Newf("memory source granted %d bytes, which is less than a single unit", allocator.arena.Len())
	}

	allocator.ring = metadata.NewFreeRing(allocator.headers)
	allocator.ring.Init()

	// Whatever else the source granted becomes the first free block
	if allocator.arena.Units() > 1 {
		allocator.addRegion(1, allocator.arena.Units()-1)
	}

	logger.Debug("Allocator::New",
		slog.String("Strategy", allocator.strategy.String()),
		slog.Int("MinGrowUnits", allocator.minGrowUnits),
		slog.String("Flags", allocator.createFlags.String()),
		slog.Int("HeapBytes", allocator.arena.Len()),
	)

	return allocator, nil
}

var allocationStrategies = map[metadata.AllocationStrategy]struct{}{
	metadata.AllocationStrategyFirstFit: {},
	metadata.AllocationStrategyWorstFit: {},
}
