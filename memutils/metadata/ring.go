package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/heapring/memutils"
)

// Sentinel is the unit index of the permanent, zero-sized node that anchors every FreeRing
const Sentinel int = 0

// FreeRing is the registry of free blocks within a single arena. It is a circular, singly-linked
// ring of block headers ordered by ascending unit index, anchored by a zero-sized sentinel at index 0.
// Because the sentinel has the lowest index in the arena, the single point where the ring wraps
// from a high index back to a low one is always the link into the sentinel.
//
// Address-adjacent free blocks are merged as soon as one of them is freed, so two consecutive ring
// nodes never touch. The cursor remembers the last node the ring touched and is used as the
// starting point for the next search.
//
// FreeRing does not synchronize access and must not be used from multiple goroutines at once.
type FreeRing struct {
	headers Headers
	cursor  int

	freeCount int
	freeUnits int
}

var _ memutils.Validatable = &FreeRing{}

// NewFreeRing creates a FreeRing over the provided header storage. Init must be called before use.
func NewFreeRing(headers Headers) *FreeRing {
	return &FreeRing{
		headers: headers,
	}
}

// Init writes the sentinel header and resets the ring so that the sentinel is its only member
func (r *FreeRing) Init() {
	r.headers.SetSize(Sentinel, 0)
	r.headers.SetLink(Sentinel, Sentinel)
	r.cursor = Sentinel
	r.freeCount = 0
	r.freeUnits = 0
}

// Cursor returns the unit index of the node where the next search will start
func (r *FreeRing) Cursor() int { return r.cursor }

// FreeRegionsCount returns the number of free blocks in the ring, not counting the sentinel
func (r *FreeRing) FreeRegionsCount() int { return r.freeCount }

// SumFreeUnits returns the total size in units of all free blocks in the ring
func (r *FreeRing) SumFreeUnits() int { return r.freeUnits }

// IsEmpty returns true if the sentinel is the only member of the ring
func (r *FreeRing) IsEmpty() bool { return r.freeCount == 0 }

// CreateAllocationRequest searches the ring for a free block of at least units units, using the
// provided strategy. It returns false with no error if no block is large enough; the consumer is
// expected to add more memory to the ring with Free and try again. The ring is not modified.
func (r *FreeRing) CreateAllocationRequest(units int, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if units < 2 {
		return false, request, errors.Errorf("invalid unit count: %d", units)
	}

	memutils.DebugValidate(r)

	// No single block can be larger than all of them together
	if units > r.freeUnits {
		return false, request, nil
	}

	request.Units = units
	request.Strategy = strategy

	switch strategy {
	case AllocationStrategyFirstFit:
		return r.firstFit(units, request)
	case AllocationStrategyWorstFit:
		return r.worstFit(units, request)
	}

	return false, request, errors.Errorf("unknown allocation strategy: %d", uint32(strategy))
}

func (r *FreeRing) firstFit(units int, request AllocationRequest) (bool, AllocationRequest, error) {
	prev := r.cursor
	for block := r.headers.Link(prev); ; prev, block = block, r.headers.Link(block) {
		if r.headers.Size(block) >= units {
			request.Block = block
			request.Previous = prev
			return true, request, nil
		}

		if block == r.cursor {
			return false, request, nil
		}
	}
}

func (r *FreeRing) worstFit(units int, request AllocationRequest) (bool, AllocationRequest, error) {
	biggest, biggestPrev, biggestSize := -1, Sentinel, 0

	prev := Sentinel
	for block := r.headers.Link(Sentinel); block != Sentinel; prev, block = block, r.headers.Link(block) {
		size := r.headers.Size(block)
		if size > biggestSize {
			biggest, biggestPrev, biggestSize = block, prev, size
		}
	}

	if biggest < 0 || biggestSize < units {
		return false, request, nil
	}

	request.Block = biggest
	request.Previous = biggestPrev
	return true, request, nil
}

// Alloc commits an AllocationRequest, carving the allocation out of the chosen free block and
// returning the unit index of the new allocated block. A block that exactly fits is removed from the
// ring. A larger block gives up its tail: it keeps its index and ring linkage and only its size
// shrinks. The cursor moves to the node preceding the chosen block.
//
// An error is returned if the request no longer describes a free block large enough for it.
func (r *FreeRing) Alloc(request AllocationRequest) (int, error) {
	if request.Block == Sentinel || r.headers.Link(request.Previous) != request.Block {
		return 0, errors.Errorf("allocation request for block %d is no longer linked from block %d", request.Block, request.Previous)
	}

	size := r.headers.Size(request.Block)
	if size < request.Units {
		return 0, errors.Errorf("allocation request for %d units cannot be served by block %d of %d units", request.Units, request.Block, size)
	}

	allocated := request.Block
	if request.Exact(size) {
		r.headers.SetLink(request.Previous, r.headers.Link(request.Block))
		r.freeCount--
	} else {
		remaining := size - request.Units
		r.headers.SetSize(request.Block, remaining)
		allocated = request.Block + remaining
		r.headers.SetSize(allocated, request.Units)
	}

	r.freeUnits -= request.Units
	r.cursor = request.Previous

	return allocated, nil
}

// Free inserts block into the ring at its address-ordered position, merging it with the free blocks
// immediately before and after it if they are adjacent. The block's header must already carry its
// size. The cursor moves to the node preceding the insertion point.
//
// Freeing a block that is already in the ring, or an index that is not a block, corrupts the ring.
func (r *FreeRing) Free(block int) {
	h := r.headers

	p := r.cursor
	for !(block > p && block < h.Link(p)) {
		if p == block {
			panic("attempting to free a block that is already in the free ring")
		}

		next := h.Link(p)
		// p is the highest node, so block belongs at one end of the ring
		if p >= next && (block > p || block < next) {
			break
		}
		p = next
	}

	size := h.Size(block)
	r.freeUnits += size
	r.freeCount++

	next := h.Link(p)
	if block+size == next {
		size += h.Size(next)
		h.SetSize(block, size)
		h.SetLink(block, h.Link(next))
		h.Drop(next)
		r.freeCount--
	} else {
		h.SetLink(block, next)
	}

	if p+h.Size(p) == block {
		h.SetSize(p, h.Size(p)+size)
		h.SetLink(p, h.Link(block))
		h.Drop(block)
		r.freeCount--
	} else {
		h.SetLink(p, block)
	}

	r.cursor = p
}

// VisitFreeRegions calls handleRegion once for each free block in ascending index order, stopping at
// the first error it returns.
func (r *FreeRing) VisitFreeRegions(handleRegion func(block int, size int) error) error {
	for block := r.headers.Link(Sentinel); block != Sentinel; block = r.headers.Link(block) {
		err := handleRegion(block, r.headers.Size(block))
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate walks the ring and checks its structural invariants. It is fairly expensive and is meant
// for diagnostics and tests.
func (r *FreeRing) Validate() error {
	if r.headers.Size(Sentinel) != 0 {
		return errors.Errorf("sentinel has a size of %d units", r.headers.Size(Sentinel))
	}

	var count, units int
	cursorFound := r.cursor == Sentinel

	prev := Sentinel
	for block := r.headers.Link(Sentinel); block != Sentinel; prev, block = block, r.headers.Link(block) {
		count++
		if count > r.freeCount {
			return errors.Errorf("the ring holds more than the %d free blocks it has recorded", r.freeCount)
		}

		if block <= prev {
			return errors.Errorf("block %d follows block %d, which breaks ascending order", block, prev)
		}

		size := r.headers.Size(block)
		if size < 1 {
			return errors.Errorf("free block %d has an invalid size of %d units", block, size)
		}

		if prev != Sentinel {
			prevEnd := prev + r.headers.Size(prev)
			if prevEnd == block {
				return errors.Errorf("free blocks %d and %d are adjacent but were not merged", prev, block)
			} else if prevEnd > block {
				return errors.Errorf("free block %d overlaps free block %d", prev, block)
			}
		}

		if block == r.cursor {
			cursorFound = true
		}
		units += size
	}

	if count != r.freeCount {
		return errors.Errorf("the ring has recorded %d free blocks, but only %d were found", r.freeCount, count)
	}

	if units != r.freeUnits {
		return errors.Errorf("the ring has recorded %d free units, but its blocks add up to %d", r.freeUnits, units)
	}

	if !cursorFound {
		return errors.Errorf("the cursor points to block %d, which is not in the ring", r.cursor)
	}

	return nil
}

// AddDetailedStatistics adds every free block in the ring to stats as an unused range, in bytes
func (r *FreeRing) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	_ = r.VisitFreeRegions(func(block int, size int) error {
		stats.AddUnusedRange(size * memutils.UnitSize)
		return nil
	})
}

// BlockJsonData populates a json object with information about the ring
func (r *FreeRing) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("UnusedBytes").Int(r.freeUnits * memutils.UnitSize)
	json.Name("UnusedRanges").Int(r.freeCount)
	json.Name("Cursor").Int(r.cursor)
}

// PrintFreeRegions populates a json array with one object per free block
func (r *FreeRing) PrintFreeRegions(json *jwriter.ArrayState) {
	_ = r.VisitFreeRegions(func(block int, size int) error {
		obj := json.Object()
		defer obj.End()

		obj.Name("Block").Int(block)
		obj.Name("Units").Int(size)
		obj.Name("Cursor").Bool(block == r.cursor)
		return nil
	})
}
