package memutils

import "math"

// Statistics is a summary of a heap's size and usage, in bytes
type Statistics struct {
	// GrowCount is the number of times the heap has acquired a new region from its source
	GrowCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// HeapBytes is the number of bytes acquired from the source, including headers and the sentinel
	HeapBytes int
	// AllocationBytes is the number of bytes occupied by live allocations, including their headers
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.GrowCount = 0
	s.AllocationCount = 0
	s.HeapBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.GrowCount += other.GrowCount
	s.AllocationCount += other.AllocationCount
	s.HeapBytes += other.HeapBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
