package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/heapring/heap"
	"github.com/vkngwrapper/heapring/memutils"
	"github.com/vkngwrapper/heapring/memutils/metadata"
	"github.com/vkngwrapper/heapring/source"
)

type benchOptions struct {
	Times        int
	Size         int
	Runs         int
	Strategy     string
	Source       string
	Limit        int
	MinGrowUnits int
	TableHeaders bool
	Detailed     bool
	JSON         bool
}

var runOpts = benchOptions{
	Times:    1000,
	Size:     1024,
	Runs:     10,
	Strategy: "first-fit",
	Source:   "slice",
	Limit:    64 << 20,
}

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVarP(&runOpts.Times, "times", "n", runOpts.Times, "Allocations per run")
	cmd.Flags().IntVarP(&runOpts.Size, "size", "s", runOpts.Size, "Size in bytes of each allocation")
	cmd.Flags().IntVarP(&runOpts.Runs, "runs", "r", runOpts.Runs, "Number of runs, each on a fresh heap")
	cmd.Flags().StringVar(&runOpts.Strategy, "strategy", runOpts.Strategy, "Allocation strategy: first-fit or worst-fit")
	cmd.Flags().StringVar(&runOpts.Source, "source", runOpts.Source, "Memory source: slice or mmap")
	cmd.Flags().IntVar(&runOpts.Limit, "limit", runOpts.Limit, "Largest size in bytes the memory source may grow to")
	cmd.Flags().IntVar(&runOpts.MinGrowUnits, "min-grow-units", 0, "Smallest growth request in 16 byte units (0 for the allocator default)")
	cmd.Flags().BoolVar(&runOpts.TableHeaders, "table-headers", false, "Keep block headers in a side table instead of in the arena")
	cmd.Flags().BoolVar(&runOpts.Detailed, "detailed", false, "Include every block of the final heap in JSON output")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate and release fixed-size blocks and time each run",
		Long: `The run command allocates --times blocks of --size bytes, releases them
all, and repeats on a fresh heap for --runs runs. It reports the mean and
standard deviation of the run durations and the state of the heap at its peak.

Example:
  heapbench run
  heapbench run --times 5000 --size 64 --strategy worst-fit
  heapbench run --source mmap --limit 1073741824 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOpts
			opts.JSON = jsonOut
			return runBench(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	return cmd
}

var newSource = func(opts benchOptions) (source.Source, error) {
	switch strings.ToLower(opts.Source) {
	case "slice":
		return source.NewSlice(opts.Limit), nil
	case "mmap":
		return source.NewMmap(opts.Limit)
	}

	return nil, errors.Newf("unknown memory source %q", opts.Source)
}

func createOptions(opts benchOptions) (heap.CreateOptions, error) {
	strategy, err := metadata.ParseAllocationStrategy(opts.Strategy)
	if err != nil {
		return heap.CreateOptions{}, err
	}

	createOpts := heap.CreateOptions{
		Strategy:     strategy,
		MinGrowUnits: opts.MinGrowUnits,
	}
	if opts.TableHeaders {
		createOpts.Flags |= heap.AllocatorCreateTableHeaders
	}

	return createOpts, nil
}

// benchRun holds the measurements from a single run
type benchRun struct {
	allocate time.Duration
	release  time.Duration
	peak     memutils.DetailedStatistics
}

func runOnce(logOut io.Writer, opts benchOptions, createOpts heap.CreateOptions, ptrs []heap.Ptr) (benchRun, *heap.Allocator, error) {
	var run benchRun

	src, err := newSource(opts)
	if err != nil {
		return run, nil, err
	}

	allocator, err := heap.New(newLogger(logOut), src, createOpts)
	if err != nil {
		_ = src.Close()
		return run, nil, err
	}

	start := time.Now()
	for i := range ptrs {
		ptrs[i], err = allocator.Allocate(opts.Size)
		if err != nil {
			_ = src.Close()
			return run, nil, errors.Wrapf(err, "allocation %d of %d failed", i+1, len(ptrs))
		}
	}
	run.allocate = time.Since(start)

	allocator.CalculateStatistics(&run.peak)

	start = time.Now()
	for _, ptr := range ptrs {
		err = allocator.Release(ptr)
		if err != nil {
			_ = src.Close()
			return run, nil, err
		}
	}
	run.release = time.Since(start)

	return run, allocator, nil
}

func runBench(out io.Writer, logOut io.Writer, opts benchOptions) error {
	if opts.Times < 0 || opts.Runs < 1 {
		return errors.New("--times must not be negative and --runs must be at least 1")
	}

	createOpts, err := createOptions(opts)
	if err != nil {
		return err
	}

	ptrs := make([]heap.Ptr, opts.Times)
	durations := make([]time.Duration, 0, opts.Runs)

	var total memutils.DetailedStatistics
	total.Clear()

	for i := 0; i < opts.Runs; i++ {
		run, allocator, err := runOnce(logOut, opts, createOpts, ptrs)
		if err != nil {
			return errors.Wrapf(err, "run %d", i+1)
		}

		durations = append(durations, run.allocate+run.release)
		total.AddDetailedStatistics(&run.peak)

		if i == opts.Runs-1 {
			if opts.JSON {
				err = printJSON(out, opts, summarize(durations), &run.peak, &total, allocator)
			} else {
				printText(out, opts, summarize(durations), &run.peak, &total)
			}
			if err != nil {
				return err
			}
		}

		err = allocator.Destroy()
		if err != nil {
			return errors.Wrapf(err, "run %d", i+1)
		}
	}

	return nil
}

func printText(out io.Writer, opts benchOptions, s summary, peak, total *memutils.DetailedStatistics) {
	fmt.Fprintf(out, "Strategy: %s  Source: %s  Runs: %d  Times: %d  Size: %d\n",
		opts.Strategy, opts.Source, s.Runs, opts.Times, opts.Size)
	fmt.Fprintf(out, "Average: %s\n", s.Mean)
	fmt.Fprintf(out, "Standard deviation: %s\n", s.StdDev)
	fmt.Fprintf(out, "Fastest: %s  Slowest: %s\n", s.Min, s.Max)
	fmt.Fprintf(out, "Peak heap: %d bytes in %d growths, %d allocations using %d bytes, %d unused ranges\n",
		peak.HeapBytes, peak.GrowCount, peak.AllocationCount, peak.AllocationBytes, peak.UnusedRangeCount)
	fmt.Fprintf(out, "All runs: %d bytes in %d growths, %d allocations using %d bytes, %d unused ranges\n",
		total.HeapBytes, total.GrowCount, total.AllocationCount, total.AllocationBytes, total.UnusedRangeCount)
}

func printJSON(out io.Writer, opts benchOptions, s summary, peak, total *memutils.DetailedStatistics, allocator *heap.Allocator) error {
	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	configObj := rootObj.Name("Config").Object()
	configObj.Name("Strategy").String(opts.Strategy)
	configObj.Name("Source").String(opts.Source)
	configObj.Name("Times").Int(opts.Times)
	configObj.Name("Size").Int(opts.Size)
	configObj.Name("TableHeaders").Bool(opts.TableHeaders)
	configObj.End()

	runsObj := rootObj.Name("Runs").Object()
	runsObj.Name("Count").Int(s.Runs)
	runsObj.Name("MeanNanos").Int(int(s.Mean))
	runsObj.Name("StdDevNanos").Int(int(s.StdDev))
	runsObj.Name("MinNanos").Int(int(s.Min))
	runsObj.Name("MaxNanos").Int(int(s.Max))
	runsObj.End()

	peakObj := rootObj.Name("Peak").Object()
	printPeak(&peakObj, peak)
	peakObj.End()

	// Peak statistics of every run added together
	totalObj := rootObj.Name("AllRuns").Object()
	printPeak(&totalObj, total)
	totalObj.End()

	heapObj := rootObj.Name("Heap").Object()
	allocator.PrintStats(&heapObj, opts.Detailed)
	heapObj.End()

	rootObj.End()

	if err := writer.Error(); err != nil {
		return err
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}

func printPeak(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("HeapBytes").Int(stats.HeapBytes)
	json.Name("GrowCount").Int(stats.GrowCount)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
}
