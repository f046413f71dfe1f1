package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "heapbench",
	Short: "Benchmark the heapring allocator",
	Long: `heapbench drives a heapring allocator through repeated rounds of
fixed-size allocations and releases, and reports how long each round took
along with the state of the heap.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every allocator call at debug level to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the logger handed to each allocator
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(w))
}
