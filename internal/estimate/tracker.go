package estimate

import (
	"sync"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/history"
)

// defaultCheckpointIntervalMS bounds checkpoint density: at most one
// checkpoint per interval of run time, regardless of output burstiness.
const defaultCheckpointIntervalMS = 1000

// Tracker accumulates one run's output-volume progress and turns it into a
// HistorySample at FIN. One tracker per run; safe for concurrent use by the
// capture goroutines.
type Tracker struct {
	signature string

	mu               sync.Mutex
	totalBytes       int64
	checkpoints      []history.Checkpoint
	lastCheckpointMS int64
	intervalMS       int64
	finished         bool
}

// NewTracker creates a tracker for a run with the given invocation signature.
func NewTracker(signature string) *Tracker {
	return &Tracker{
		signature:        signature,
		intervalMS:       defaultCheckpointIntervalMS,
		lastCheckpointMS: -defaultCheckpointIntervalMS,
	}
}

// OnOutput records n captured bytes observed at elapsedMS into the run.
func (t *Tracker) OnOutput(elapsedMS int64, n int) {
	if n <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}

	t.totalBytes += int64(n)
	if elapsedMS-t.lastCheckpointMS >= t.intervalMS {
		t.checkpoints = append(t.checkpoints, history.Checkpoint{
			AtMillis: elapsedMS,
			Bytes:    t.totalBytes,
		})
		t.lastCheckpointMS = elapsedMS
	}
}

// OnFin seals the tracker and returns the run's HistorySample.
// Subsequent OnOutput calls are ignored.
func (t *Tracker) OnFin(elapsedMS int64) history.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finished = true
	t.checkpoints = append(t.checkpoints, history.Checkpoint{
		AtMillis: elapsedMS,
		Bytes:    t.totalBytes,
	})

	return history.Sample{
		Signature:   t.signature,
		Duration:    time.Duration(elapsedMS) * time.Millisecond,
		TotalBytes:  t.totalBytes,
		Checkpoints: t.checkpoints,
		RecordedAt:  time.Now(),
	}
}

// Progress returns the cumulative output bytes observed so far.
func (t *Tracker) Progress() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalBytes
}

// Signature returns the invocation signature the tracker groups under.
func (t *Tracker) Signature() string {
	return t.signature
}
