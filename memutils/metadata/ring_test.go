package metadata_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapring/memutils"
	"github.com/vkngwrapper/heapring/memutils/metadata"
)

type testBlock struct {
	index int
	size  int
}

// buildRing frees the provided blocks into a fresh ring in the order given
func buildRing(t *testing.T, blocks ...testBlock) (*metadata.FreeRing, *metadata.TableHeaders) {
	headers := metadata.NewTableHeaders()
	ring := metadata.NewFreeRing(headers)
	ring.Init()

	for _, block := range blocks {
		headers.SetSize(block.index, block.size)
		ring.Free(block.index)
		require.NoError(t, ring.Validate())
	}

	return ring, headers
}

func freeRegions(t *testing.T, ring *metadata.FreeRing) []testBlock {
	var regions []testBlock
	err := ring.VisitFreeRegions(func(block int, size int) error {
		regions = append(regions, testBlock{index: block, size: size})
		return nil
	})
	require.NoError(t, err)
	return regions
}

func TestFreeRingInit(t *testing.T) {
	ring, headers := buildRing(t)

	require.NoError(t, ring.Validate())
	require.True(t, ring.IsEmpty())
	require.Equal(t, metadata.Sentinel, ring.Cursor())
	require.Equal(t, 0, ring.SumFreeUnits())
	require.Equal(t, 0, headers.Size(metadata.Sentinel))
	require.Equal(t, metadata.Sentinel, headers.Link(metadata.Sentinel))

	success, _, err := ring.CreateAllocationRequest(2, metadata.AllocationStrategyFirstFit)
	require.NoError(t, err)
	require.False(t, success)
}

func TestFreeRingStrategies(t *testing.T) {
	testCases := []struct {
		name          string
		strategy      metadata.AllocationStrategy
		blocks        []testBlock
		units         int
		expectedBlock int
		expectedPrev  int
		expectedAlloc int
		expectedFree  []testBlock
	}{
		{
			name:          "WorstFitTakesLargest",
			strategy:      metadata.AllocationStrategyWorstFit,
			blocks:        []testBlock{{80, 20}, {20, 50}, {1, 10}},
			units:         15,
			expectedBlock: 20,
			expectedPrev:  1,
			expectedAlloc: 55,
			expectedFree:  []testBlock{{1, 10}, {20, 35}, {80, 20}},
		},
		{
			name:          "FirstFitSkipsTooSmall",
			strategy:      metadata.AllocationStrategyFirstFit,
			blocks:        []testBlock{{80, 20}, {20, 50}, {1, 10}},
			units:         15,
			expectedBlock: 20,
			expectedPrev:  1,
			expectedAlloc: 55,
			expectedFree:  []testBlock{{1, 10}, {20, 35}, {80, 20}},
		},
		{
			name:          "FirstFitTakesFirstNotLargest",
			strategy:      metadata.AllocationStrategyFirstFit,
			blocks:        []testBlock{{80, 50}, {20, 20}, {1, 10}},
			units:         15,
			expectedBlock: 20,
			expectedPrev:  1,
			expectedAlloc: 25,
			expectedFree:  []testBlock{{1, 10}, {20, 5}, {80, 50}},
		},
		{
			name:          "WorstFitTakesLargestNotFirst",
			strategy:      metadata.AllocationStrategyWorstFit,
			blocks:        []testBlock{{80, 50}, {20, 20}, {1, 10}},
			units:         15,
			expectedBlock: 80,
			expectedPrev:  20,
			expectedAlloc: 115,
			expectedFree:  []testBlock{{1, 10}, {20, 20}, {80, 35}},
		},
		{
			name:          "WorstFitTiesGoToLowestIndex",
			strategy:      metadata.AllocationStrategyWorstFit,
			blocks:        []testBlock{{80, 30}, {20, 30}, {1, 10}},
			units:         30,
			expectedBlock: 20,
			expectedPrev:  1,
			expectedAlloc: 20,
			expectedFree:  []testBlock{{1, 10}, {80, 30}},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ring, headers := buildRing(t, testCase.blocks...)
			require.Equal(t, metadata.Sentinel, ring.Cursor())

			success, request, err := ring.CreateAllocationRequest(testCase.units, testCase.strategy)
			require.NoError(t, err)
			require.True(t, success)
			require.Equal(t, testCase.expectedBlock, request.Block)
			require.Equal(t, testCase.expectedPrev, request.Previous)
			require.Equal(t, testCase.strategy, request.Strategy)

			allocated, err := ring.Alloc(request)
			require.NoError(t, err)
			require.NoError(t, ring.Validate())

			require.Equal(t, testCase.expectedAlloc, allocated)
			require.Equal(t, testCase.units, headers.Size(allocated))
			require.Equal(t, testCase.expectedPrev, ring.Cursor())
			require.Equal(t, testCase.expectedFree, freeRegions(t, ring))
		})
	}
}

func TestFreeRingExactFitUnlinks(t *testing.T) {
	ring, headers := buildRing(t, testBlock{1, 10}, testBlock{20, 15})
	require.Equal(t, 2, ring.FreeRegionsCount())

	success, request, err := ring.CreateAllocationRequest(15, metadata.AllocationStrategyFirstFit)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 20, request.Block)

	allocated, err := ring.Alloc(request)
	require.NoError(t, err)
	require.Equal(t, 20, allocated)
	require.Equal(t, 15, headers.Size(20))
	require.Equal(t, metadata.Sentinel, headers.Link(1))
	require.Equal(t, 1, ring.FreeRegionsCount())
	require.Equal(t, 10, ring.SumFreeUnits())
	require.NoError(t, ring.Validate())
}

func TestFreeRingFirstFitStartsAfterCursor(t *testing.T) {
	ring, _ := buildRing(t, testBlock{1, 20}, testBlock{40, 20}, testBlock{80, 20})
	require.Equal(t, 40, ring.Cursor())

	// The first block large enough past the cursor is 80, even though 1 and 40 are as large
	success, request, err := ring.CreateAllocationRequest(5, metadata.AllocationStrategyFirstFit)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 80, request.Block)
	require.Equal(t, 40, request.Previous)

	// The scan wraps through the sentinel when nothing past the cursor fits
	ring, _ = buildRing(t, testBlock{1, 20}, testBlock{40, 5}, testBlock{80, 5})
	require.Equal(t, 40, ring.Cursor())

	success, request, err = ring.CreateAllocationRequest(10, metadata.AllocationStrategyFirstFit)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 1, request.Block)
	require.Equal(t, metadata.Sentinel, request.Previous)
}

func TestFreeRingNoFit(t *testing.T) {
	ring, _ := buildRing(t, testBlock{1, 10}, testBlock{20, 10})
	cursor := ring.Cursor()

	for _, strategy := range []metadata.AllocationStrategy{metadata.AllocationStrategyFirstFit, metadata.AllocationStrategyWorstFit} {
		// Together the blocks are large enough, but neither is on its own
		success, _, err := ring.CreateAllocationRequest(15, strategy)
		require.NoError(t, err)
		require.False(t, success)

		success, _, err = ring.CreateAllocationRequest(25, strategy)
		require.NoError(t, err)
		require.False(t, success)
	}

	require.Equal(t, cursor, ring.Cursor())
	require.NoError(t, ring.Validate())
}

func TestFreeRingInvalidRequests(t *testing.T) {
	ring, _ := buildRing(t, testBlock{1, 10})

	_, _, err := ring.CreateAllocationRequest(1, metadata.AllocationStrategyFirstFit)
	require.Error(t, err)

	_, _, err = ring.CreateAllocationRequest(0, metadata.AllocationStrategyWorstFit)
	require.Error(t, err)

	_, _, err = ring.CreateAllocationRequest(4, metadata.AllocationStrategy(99))
	require.Error(t, err)
}

func TestFreeRingStaleRequest(t *testing.T) {
	ring, _ := buildRing(t, testBlock{1, 10}, testBlock{20, 10})

	success, request, err := ring.CreateAllocationRequest(10, metadata.AllocationStrategyFirstFit)
	require.NoError(t, err)
	require.True(t, success)

	_, err = ring.Alloc(request)
	require.NoError(t, err)

	// The exact-fit block has been unlinked, so the same request is no longer valid
	_, err = ring.Alloc(request)
	require.Error(t, err)

	success, request, err = ring.CreateAllocationRequest(10, metadata.AllocationStrategyFirstFit)
	require.NoError(t, err)
	require.True(t, success)

	request.Units = 11
	_, err = ring.Alloc(request)
	require.Error(t, err)
	require.NoError(t, ring.Validate())
}

func TestFreeRingCoalesce(t *testing.T) {
	headers := metadata.NewTableHeaders()
	ring := metadata.NewFreeRing(headers)
	ring.Init()

	headers.SetSize(1, 10)
	headers.SetSize(11, 10)
	headers.SetSize(21, 10)
	headers.SetSize(31, 10)

	ring.Free(1)
	ring.Free(21)
	require.Equal(t, []testBlock{{1, 10}, {21, 10}}, freeRegions(t, ring))
	require.NoError(t, ring.Validate())

	// Merges with both neighbors
	ring.Free(11)
	require.Equal(t, []testBlock{{1, 30}}, freeRegions(t, ring))
	require.Equal(t, 1, ring.FreeRegionsCount())
	require.Equal(t, 30, ring.SumFreeUnits())
	require.False(t, headers.Has(11))
	require.False(t, headers.Has(21))
	require.Equal(t, 1, ring.Cursor())
	require.NoError(t, ring.Validate())

	// Merges with the preceding neighbor only
	ring.Free(31)
	require.Equal(t, []testBlock{{1, 40}}, freeRegions(t, ring))
	require.Equal(t, 1, ring.Cursor())
	require.NoError(t, ring.Validate())

	// Sentinel, plus the one remaining block
	require.Equal(t, 2, headers.Count())
}

func TestFreeRingCoalesceWithFollowing(t *testing.T) {
	ring, headers := buildRing(t, testBlock{11, 10})

	headers.SetSize(1, 10)
	ring.Free(1)

	require.Equal(t, []testBlock{{1, 20}}, freeRegions(t, ring))
	require.False(t, headers.Has(11))
	require.NoError(t, ring.Validate())
}

func TestFreeRingWraparoundInsert(t *testing.T) {
	ring, headers := buildRing(t, testBlock{100, 5}, testBlock{50, 5}, testBlock{200, 5})
	require.Equal(t, 100, ring.Cursor())

	// Below every node, starting from a cursor high in the ring
	headers.SetSize(10, 5)
	ring.Free(10)
	require.Equal(t, metadata.Sentinel, ring.Cursor())
	require.NoError(t, ring.Validate())

	// Above every node
	headers.SetSize(300, 5)
	ring.Free(300)
	require.Equal(t, 200, ring.Cursor())
	require.NoError(t, ring.Validate())

	require.Equal(t, []testBlock{{10, 5}, {50, 5}, {100, 5}, {200, 5}, {300, 5}}, freeRegions(t, ring))
	require.Equal(t, metadata.Sentinel, headers.Link(300))
}

func TestFreeRingDoubleFreePanics(t *testing.T) {
	ring, _ := buildRing(t, testBlock{1, 10}, testBlock{20, 10})

	require.Panics(t, func() {
		ring.Free(20)
	})
}

func TestFreeRingValidateDetectsCorruption(t *testing.T) {
	ring, headers := buildRing(t, testBlock{1, 10}, testBlock{20, 10})
	require.NoError(t, ring.Validate())

	// Grow the first block into the second
	headers.SetSize(1, 25)
	require.Error(t, ring.Validate())

	// Make them exactly adjacent without merging
	headers.SetSize(1, 19)
	require.Error(t, ring.Validate())

	headers.SetSize(1, 10)
	require.NoError(t, ring.Validate())

	// Break the ordering
	headers.SetLink(metadata.Sentinel, 20)
	headers.SetLink(20, 1)
	headers.SetLink(1, metadata.Sentinel)
	require.Error(t, ring.Validate())
}

func TestFreeRingStatistics(t *testing.T) {
	ring, _ := buildRing(t, testBlock{1, 10}, testBlock{20, 50}, testBlock{80, 20})

	var stats memutils.DetailedStatistics
	stats.Clear()
	ring.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		UnusedRangeCount:   3,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 10 * memutils.UnitSize,
		UnusedRangeSizeMax: 50 * memutils.UnitSize,
	}, stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	ring.BlockJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())
	require.JSONEq(t, `{"UnusedBytes":1280,"UnusedRanges":3,"Cursor":20}`, string(writer.Bytes()))

	writer = jwriter.NewWriter()
	arr := writer.Array()
	ring.PrintFreeRegions(&arr)
	arr.End()
	require.NoError(t, writer.Error())
	require.JSONEq(t, `[
		{"Block":1,"Units":10,"Cursor":false},
		{"Block":20,"Units":50,"Cursor":true},
		{"Block":80,"Units":20,"Cursor":false}
	]`, string(writer.Bytes()))
}

func TestParseAllocationStrategy(t *testing.T) {
	testCases := []struct {
		name     string
		expected metadata.AllocationStrategy
	}{
		{"", metadata.AllocationStrategyFirstFit},
		{"first-fit", metadata.AllocationStrategyFirstFit},
		{"FirstFit", metadata.AllocationStrategyFirstFit},
		{"first", metadata.AllocationStrategyFirstFit},
		{"worst-fit", metadata.AllocationStrategyWorstFit},
		{" WORST ", metadata.AllocationStrategyWorstFit},
		{"worstfit", metadata.AllocationStrategyWorstFit},
	}

	for _, testCase := range testCases {
		strategy, err := metadata.ParseAllocationStrategy(testCase.name)
		require.NoError(t, err)
		require.Equal(t, testCase.expected, strategy)
	}

	_, err := metadata.ParseAllocationStrategy("best-fit")
	require.Error(t, err)

	require.Equal(t, "first-fit", metadata.AllocationStrategyFirstFit.String())
	require.Equal(t, "worst-fit", metadata.AllocationStrategyWorstFit.String())
	require.Equal(t, "unknown", metadata.AllocationStrategy(7).String())
}
