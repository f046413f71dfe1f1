package heap

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapring/heap/internal/arena"
	"github.com/vkngwrapper/heapring/memutils"
	"github.com/vkngwrapper/heapring/memutils/metadata"
	"github.com/vkngwrapper/heapring/source"
	"golang.org/x/exp/slog"
)

// Ptr is the offset of a payload within its heap's arena
type Ptr int

// Null is the Ptr returned by failed or empty requests. No payload can begin at offset 0, since the
// first unit of every arena belongs to the free ring's sentinel.
const Null Ptr = 0

func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", int(p))
}

func blockPtr(block int) Ptr {
	return Ptr((block + 1) * memutils.UnitSize)
}

// Allocator is a dynamic memory allocator over a single growable arena. Free blocks are kept in an
// address-ordered ring and merged with their neighbors as soon as they are released; requests are
// served from the ring according to the allocator's AllocationStrategy, and the arena grows from its
// source when nothing in the ring is large enough.
//
// Allocator is not safe for concurrent use. Consumers that share one between goroutines must guard
// every call with a single lock.
type Allocator struct {
	logger       *slog.Logger
	source       source.Source
	strategy     metadata.AllocationStrategy
	minGrowUnits int
	createFlags  CreateFlags

	arena   arena.Arena
	table   *metadata.TableHeaders
	headers metadata.Headers
	ring    *metadata.FreeRing

	growCount       int
	allocationCount int
	allocationUnits int
}

var _ memutils.Validatable = &Allocator{}

// Strategy returns the allocation strategy this allocator was created with
func (a *Allocator) Strategy() metadata.AllocationStrategy {
	return a.strategy
}

// HeapSize returns the number of bytes the allocator has acquired from its source
func (a *Allocator) HeapSize() int {
	return a.arena.Len()
}

// Allocate reserves a block with a payload of at least size bytes and returns a pointer to the
// payload. A size of zero or less returns Null and a nil error without touching the heap. If no free
// block is large enough, the heap grows once; if that fails, Null and an error matching
// ErrOutOfMemory are returned.
func (a *Allocator) Allocate(size int) (Ptr, error) {
	if size <= 0 {
		return Null, nil
	}

	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	block, err := a.allocateBytes(size)
	if err != nil {
		return Null, err
	}

	return blockPtr(block), nil
}

func (a *Allocator) allocateBytes(size int) (int, error) {
	units, err := memutils.UnitsForBytes(size)
	if err != nil {
		return 0, errors.Mark(err, ErrOutOfMemory)
	}

	success, request, err := a.ring.CreateAllocationRequest(units, a.strategy)
	if err != nil {
		return 0, err
	}

	if !success {
		err = a.grow(units)
		if err != nil {
			return 0, err
		}

		success, request, err = a.ring.CreateAllocationRequest(units, a.strategy)
		if err != nil {
			return 0, err
		} else if !success {
			return 0, errors.Wrapf(ErrOutOfMemory, "no free block of %d units after growth", units)
		}
	}

	block, err := a.ring.Alloc(request)
	if err != nil {
		return 0, err
	}

	if memutils.DebugHeaderMagic {
		a.headers.SetLink(block, memutils.HeaderMagicValue)
	}

	a.allocationCount++
	a.allocationUnits += units

	memutils.DebugValidate(a)
	return block, nil
}

func (a *Allocator) grow(units int) error {
	if units < a.minGrowUnits {
		units = a.minGrowUnits
	}

	if units > math.MaxInt/memutils.UnitSize {
		return errors.Wrapf(ErrOutOfMemory, "cannot grow the heap by %d units", units)
	}

	a.logger.Debug("Allocator::grow", slog.Int("Units", units), slog.Int("HeapBytes", a.arena.Len()))

	data, err := a.source.Grow(units * memutils.UnitSize)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "heap growth was refused",
			slog.Int("units", units),
			slog.Int("heapBytes", a.arena.Len()),
			slog.Any("error", err),
		)
		return errors.Mark(errors.Wrapf(err, "failed to grow the heap by %d units", units), ErrOutOfMemory)
	}

	oldUnits := a.arena.Units()
	err = a.arena.Extend(data)
	if err != nil {
		return errors.Mark(err, ErrOutOfMemory)
	}

	grantedUnits := a.arena.Units() - oldUnits
	if grantedUnits > 0 {
		a.growCount++
		a.addRegion(oldUnits, grantedUnits)
	}

	if grantedUnits < units {
		return errors.Wrapf(ErrOutOfMemory, "memory source granted %d units, but %d were requested", grantedUnits, units)
	}

	return nil
}

// addRegion formats the units starting at block as a single block and releases it into the ring,
// where it merges with a free block that ends where it begins
func (a *Allocator) addRegion(block int, units int) {
	a.headers.SetSize(block, units)
	a.ring.Free(block)
}

// blockForPtr recovers the block index for ptr, checking that the header it implies describes a
// block lying entirely inside the arena
func (a *Allocator) blockForPtr(ptr Ptr) (int, error) {
	offset := int(ptr)
	if offset%memutils.UnitSize != 0 || offset < 2*memutils.UnitSize {
		return 0, errors.Wrapf(ErrInvalidPointer, "pointer %s is not the payload of any block", ptr)
	}

	block := offset/memutils.UnitSize - 1
	arenaUnits := a.arena.Units()
	if block >= arenaUnits {
		return 0, errors.Wrapf(ErrInvalidPointer, "pointer %s is beyond the end of a %d byte heap", ptr, a.arena.Len())
	}

	if a.table != nil && !a.table.Has(block) {
		return 0, errors.Wrapf(ErrInvalidPointer, "pointer %s has no block header", ptr)
	}

	size := a.headers.Size(block)
	if size < 2 || size > arenaUnits-block {
		return 0, errors.Wrapf(ErrInvalidPointer, "pointer %s has a block header of %d units, which does not fit in the heap", ptr, size)
	}

	return block, nil
}

// Release returns the block behind ptr to the heap, merging it with any free neighbors. Releasing
// Null does nothing. Memory is never returned to the source while the allocator is alive.
func (a *Allocator) Release(ptr Ptr) error {
	if ptr == Null {
		return nil
	}

	a.logger.Debug("Allocator::Release", slog.String("Ptr", ptr.String()))

	block, err := a.blockForPtr(ptr)
	if err != nil {
		return err
	}

	a.releaseBlock(block)
	return nil
}

func (a *Allocator) releaseBlock(block int) {
	if memutils.DebugHeaderMagic && a.headers.Link(block) != memutils.HeaderMagicValue {
		panic(fmt.Sprintf("MEMORY CORRUPTION DETECTED IN THE HEADER OF BLOCK %d", block))
	}

	units := a.headers.Size(block)
	a.ring.Free(block)

	a.allocationCount--
	a.allocationUnits -= units

	memutils.DebugValidate(a)
}

// Reallocate resizes the allocation behind ptr.
//
// With a Null ptr it behaves as Allocate. With a size of zero or less it behaves as Release and
// returns Null. Otherwise a new block is allocated, the first min(Capacity(ptr), size) bytes are
// copied into it, and the old block is released. If the new block cannot be allocated, Null and
// the error are returned and the original allocation is left untouched and still owned by the caller.
func (a *Allocator) Reallocate(ptr Ptr, size int) (Ptr, error) {
	if ptr == Null && size > 0 {
		return a.Allocate(size)
	}

	if ptr != Null && size <= 0 {
		return Null, a.Release(ptr)
	}

	if ptr == Null {
		return Null, nil
	}

	a.logger.Debug("Allocator::Reallocate", slog.String("Ptr", ptr.String()), slog.Int("Size", size))

	oldBlock, err := a.blockForPtr(ptr)
	if err != nil {
		return Null, err
	}
	oldCapacity := memutils.PayloadBytes(a.headers.Size(oldBlock))

	newBlock, err := a.allocateBytes(size)
	if err != nil {
		return Null, errors.Wrapf(err, "failed to reallocate %s to %d bytes", ptr, size)
	}

	copySize := min(oldCapacity, size)
	copy(a.payload(newBlock, copySize), a.payload(oldBlock, copySize))

	a.releaseBlock(oldBlock)
	return blockPtr(newBlock), nil
}

func (a *Allocator) payload(block int, size int) []byte {
	return a.arena.Bytes((block+1)*memutils.UnitSize, size)
}

// Bytes returns the payload behind ptr, with a length equal to its full capacity. The slice remains
// valid until ptr is released; the heap itself never writes to it.
func (a *Allocator) Bytes(ptr Ptr) ([]byte, error) {
	block, err := a.blockForPtr(ptr)
	if err != nil {
		return nil, err
	}

	return a.payload(block, memutils.PayloadBytes(a.headers.Size(block))), nil
}

// Capacity returns the number of payload bytes available behind ptr. This is the requested size
// rounded up to a whole number of units, and is what Reallocate copies when growing.
func (a *Allocator) Capacity(ptr Ptr) (int, error) {
	block, err := a.blockForPtr(ptr)
	if err != nil {
		return 0, err
	}

	return memutils.PayloadBytes(a.headers.Size(block)), nil
}

// Destroy closes the allocator's source. If any allocations are still live, each of them is logged
// and an error is returned without closing anything.
func (a *Allocator) Destroy() error {
	if a.allocationCount > 0 {
		err := a.VisitAllRegions(func(ptr Ptr, capacity int, free bool) error {
			if !free {
				a.logUnreleasedMemory(ptr, capacity)
			}
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("%d allocations were not released before the destruction of this heap", a.allocationCount)
	}

	a.logger.Debug("Allocator::Destroy", slog.Int("HeapBytes", a.arena.Len()), slog.Int("GrowCount", a.growCount))
	return a.source.Close()
}

func (a *Allocator) logUnreleasedMemory(ptr Ptr, capacity int) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased allocation",
		slog.String("ptr", ptr.String()),
		slog.Int("capacity", capacity),
	)
}
