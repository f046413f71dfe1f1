package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/heapring/memutils"
	"github.com/vkngwrapper/heapring/memutils/metadata"
)

// VisitAllRegions walks every block in the arena in address order, calling handleRegion with the
// block's payload pointer, its payload capacity in bytes, and whether it is free. The walk stops at the
// first error handleRegion returns, or at the first header that does not tile the arena.
func (a *Allocator) VisitAllRegions(handleRegion func(ptr Ptr, capacity int, free bool) error) error {
	nextFree := a.headers.Link(metadata.Sentinel)
	arenaUnits := a.arena.Units()

	for block := 1; block < arenaUnits; {
		size := a.headers.Size(block)
		if size < 1 || size > arenaUnits-block {
			return errors.Newf("block %d has a size of %d units, which does not fit in a %d unit arena", block, size, arenaUnits)
		}

		free := block == nextFree
		if free {
			nextFree = a.headers.Link(block)
		}

		err := handleRegion(blockPtr(block), memutils.PayloadBytes(size), free)
		if err != nil {
			return err
		}

		block += size
	}

	return nil
}

// Validate checks the free ring, then walks the whole arena to check that its blocks tile it exactly
// and agree with the allocator's bookkeeping. It is fairly expensive, and is called after every
// operation when built with the debug_mem_utils tag.
func (a *Allocator) Validate() error {
	err := a.ring.Validate()
	if err != nil {
		return err
	}

	var freeCount, freeUnits, allocCount, allocUnits int
	err = a.VisitAllRegions(func(ptr Ptr, capacity int, free bool) error {
		units := capacity/memutils.UnitSize + 1
		if free {
			freeCount++
			freeUnits += units
			return nil
		}

		if units < 2 {
			return errors.Newf("allocated block at %s has only %d units", ptr, units)
		}

		allocCount++
		allocUnits += units
		return nil
	})
	if err != nil {
		return err
	}

	if freeCount != a.ring.FreeRegionsCount() || freeUnits != a.ring.SumFreeUnits() {
		return errors.Newf("the arena holds %d free blocks of %d units, but the free ring holds %d blocks of %d units",
			freeCount, freeUnits, a.ring.FreeRegionsCount(), a.ring.SumFreeUnits())
	}

	if allocCount != a.allocationCount || allocUnits != a.allocationUnits {
		return errors.Newf("the arena holds %d allocations of %d units, but %d allocations of %d units were recorded",
			allocCount, allocUnits, a.allocationCount, a.allocationUnits)
	}

	if 1+freeUnits+allocUnits != a.arena.Units() {
		return errors.Newf("blocks cover %d units of a %d unit arena", 1+freeUnits+allocUnits, a.arena.Units())
	}

	if a.table != nil && a.table.Count() != 1+freeCount+allocCount {
		return errors.Newf("the header table holds %d headers, but the arena has %d blocks", a.table.Count(), 1+freeCount+allocCount)
	}

	return nil
}

// CalculateStatistics populates a DetailedStatistics object with the current state of the heap. All
// sizes are in bytes and include block headers.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	stats.GrowCount = a.growCount
	stats.HeapBytes = a.arena.Len()

	a.ring.AddDetailedStatistics(stats)

	_ = a.VisitAllRegions(func(ptr Ptr, capacity int, free bool) error {
		if !free {
			stats.AddAllocation(capacity + memutils.UnitSize)
		}
		return nil
	})
}

// BuildStatsString returns a json string describing the heap. If detailed is true, every free block
// in the ring and every block in the arena is listed as well.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	rootObj := writer.Object()
	a.PrintStats(&rootObj, detailed)
	rootObj.End()

	return string(writer.Bytes())
}

// PrintStats populates a json object with the same fields BuildStatsString writes, so that heap
// statistics can be embedded in a larger document
func (a *Allocator) PrintStats(json *jwriter.ObjectState, detailed bool) {
	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	json.Name("Strategy").String(a.strategy.String())
	json.Name("Flags").String(a.createFlags.String())

	totalObj := json.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats)
	totalObj.End()

	ringObj := json.Name("FreeRing").Object()
	a.ring.BlockJsonData(&ringObj)
	if detailed {
		regions := ringObj.Name("Regions").Array()
		a.ring.PrintFreeRegions(&regions)
		regions.End()
	}
	ringObj.End()

	if detailed {
		blocks := json.Name("Blocks").Array()
		a.printBlocks(&blocks)
		blocks.End()
	}
}

func (a *Allocator) printBlocks(json *jwriter.ArrayState) {
	_ = a.VisitAllRegions(func(ptr Ptr, capacity int, free bool) error {
		obj := json.Object()
		defer obj.End()

		obj.Name("Ptr").Int(int(ptr))
		obj.Name("Capacity").Int(capacity)
		obj.Name("Free").Bool(free)
		return nil
	})
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("GrowCount").Int(stats.GrowCount)
	json.Name("HeapBytes").Int(stats.HeapBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
