package main

import (
	"math"
	"time"
)

// summary is the mean and sample standard deviation of a set of run durations
type summary struct {
	Runs   int
	Mean   time.Duration
	StdDev time.Duration
	Min    time.Duration
	Max    time.Duration
}

func summarize(durations []time.Duration) summary {
	s := summary{Runs: len(durations)}
	if len(durations) == 0 {
		return s
	}

	s.Min = durations[0]
	var total float64
	for _, d := range durations {
		total += float64(d)
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
	}

	mean := total / float64(len(durations))
	s.Mean = time.Duration(mean)

	// A single run has no spread
	if len(durations) < 2 {
		return s
	}

	var squares float64
	for _, d := range durations {
		diff := float64(d) - mean
		squares += diff * diff
	}
	s.StdDev = time.Duration(math.Sqrt(squares / float64(len(durations)-1)))

	return s
}
