package estimate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/history"
)

// recordTimeout bounds how long a background insert may take.
const recordTimeout = 10 * time.Second

// Recorder persists completed-run samples in the background so that
// recording never blocks FIN delivery. Inserts are best-effort: a failed
// insert costs one future sample, never the run.
type Recorder struct {
	store  history.Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store history.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
	}
}

// RecordCompleted schedules the sample for insertion and returns immediately.
func (r *Recorder) RecordCompleted(sample history.Sample) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		if err := r.store.Insert(ctx, sample); err != nil {
			r.logger.Warn("history_record_failed",
				"signature", sample.Signature,
				"error", err,
			)
			return
		}
		r.logger.Debug("history_recorded",
			"signature", sample.Signature,
			"duration", sample.Duration.String(),
			"total_bytes", sample.TotalBytes,
		)
	}()
}

// Wait blocks until every scheduled insert has finished. Call before exit.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
