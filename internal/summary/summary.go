// Package summary produces the one-line run report a host or adapter
// process logs at clean teardown: elements transferred, wall-clock
// duration, and effective throughput. It condenses the original
// implementation's per-iteration progress println calls (host/adapter
// main.rs) into a single structured log entry, since per-iteration
// stdout output has no place in a service built around zap.
package summary

import (
	"time"

	"go.uber.org/zap"
)

// Run accumulates the counters needed to report a transfer session.
type Run struct {
	start    time.Time
	elements uint64
}

// Start begins a new run, capturing the current time as its origin.
func Start() *Run {
	return &Run{start: time.Now()}
}

// Add records n elements as having crossed the ring during this run.
func (r *Run) Add(n uint64) {
	r.elements += n
}

// Log writes the run's summary at clean teardown: total elements
// moved, wall-clock duration, and effective throughput in elements per
// second (0 if the run moved nothing).
func (r *Run) Log(logger *zap.Logger, role string) {
	elapsed := time.Since(r.start)
	var rate float64
	if elapsed > 0 {
		rate = float64(r.elements) / elapsed.Seconds()
	}
	logger.Info("run summary",
		zap.String("role", role),
		zap.Uint64("elements_transferred", r.elements),
		zap.Duration("elapsed", elapsed),
		zap.Float64("elements_per_second", rate),
	)
}
