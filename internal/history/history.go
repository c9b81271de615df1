// Package history stores completed-run samples used by the estimator.
//
// A sample pairs an invocation signature with the run's total duration and
// output-volume checkpoints. Samples are immutable after insertion. Two
// stores are provided: an in-memory store for single-invocation use and a
// SQLite-backed store so estimates survive process restarts.
package history

import (
	"context"
	"time"
)

// Checkpoint records the cumulative output volume observed at a point in a run.
type Checkpoint struct {
	AtMillis int64 // elapsed milliseconds since the run's start
	Bytes    int64 // cumulative output bytes at that moment
}

// Sample is one completed run. Never mutated after insertion.
type Sample struct {
	Signature   string
	Duration    time.Duration
	TotalBytes  int64
	Checkpoints []Checkpoint
	RecordedAt  time.Time
}

// Store persists and retrieves run samples.
type Store interface {
	// Insert records a completed run.
	Insert(ctx context.Context, sample Sample) error

	// BySignature returns every sample recorded for the given signature,
	// oldest first. An unknown signature returns an empty slice, not an error.
	BySignature(ctx context.Context, signature string) ([]Sample, error)

	// Close releases any underlying resources.
	Close() error
}
