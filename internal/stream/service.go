// Package stream exposes subprocess execution as a pull-based event service:
// begin a run, then pull its events one at a time until the deterministic
// end-of-run signal.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/engine"
	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

// Service serves one subprocess execution at a time.
//
// The contract per run:
//   - BeginExecution spawns the process or fails with *wire.CreationError.
//   - GetNextEvent delivers START, then OUTPUT events, then FIN, in order.
//   - Every pull after FIN returns the same *wire.ProgramHasEnded. It is the
//     consumer's acknowledgment; the first one releases the run's buffers.
//   - Internal faults surface as *wire.ExecutionError and do not end the run.
type Service struct {
	engine *engine.Engine
	logger *slog.Logger

	mu      sync.Mutex
	run     *engine.Run
	runID   wire.RunID
	finSeen bool
	cleaned bool
}

// NewService creates a Service over the given engine.
func NewService(eng *engine.Engine, logger *slog.Logger) *Service {
	return &Service{
		engine: eng,
		logger: logger,
	}
}

// BeginExecution starts the subprocess described by req and returns its
// RunID. It fails with *wire.CreationError when a run is already in flight or
// when the spawn fails; a failed call leaves no trace.
func (s *Service) BeginExecution(ctx context.Context, req wire.ProcessExecutionRequest) (wire.RunID, error) {
	s.mu.Lock()
	if s.run != nil && s.run.State() != engine.StateEnded {
		id := s.runID
		s.mu.Unlock()
		return wire.RunID{}, &wire.CreationError{
			Description: "run " + id.ID + " is still active",
		}
	}
	s.mu.Unlock()

	id, err := s.engine.BeginExecution(ctx, req)
	if err != nil {
		return wire.RunID{}, err
	}

	run, ok := s.engine.Lookup(id)
	if !ok {
		// Spawn succeeded but the run vanished before we could attach.
		return wire.RunID{}, &wire.CreationError{
			Description: "run " + id.ID + " not found after spawn",
		}
	}

	s.mu.Lock()
	s.run = run
	s.runID = id
	s.finSeen = false
	s.cleaned = false
	s.mu.Unlock()

	return id, nil
}

// GetNextEvent blocks until the run's next event is available and returns it.
//
// Errors:
//   - *wire.ExecutionError for a non-terminal internal fault; keep pulling.
//   - *wire.ProgramHasEnded once the FIN event has been delivered; every
//     subsequent call repeats it with the same exit code and timing.
//   - ctx.Err() when the caller's context ends first.
func (s *Service) GetNextEvent(ctx context.Context) (wire.SubprocessEvent, error) {
	// Snapshot the run under the lock; everything past this point answers
	// for the snapshot, even if BeginExecution replaces the active run while
	// this pull is blocked.
	s.mu.Lock()
	run := s.run
	runID := s.runID
	if run == nil {
		s.mu.Unlock()
		return wire.SubprocessEvent{}, &wire.ExecutionError{Description: "no active run"}
	}
	if s.finSeen {
		err := s.programHasEndedLocked()
		s.mu.Unlock()
		return wire.SubprocessEvent{}, err
	}
	s.mu.Unlock()

	select {
	case item, ok := <-run.Events():
		if !ok {
			// Queue closed under us: FIN was consumed elsewhere. Fold into
			// the deterministic end-of-run signal.
			s.mu.Lock()
			if s.run != run {
				// The service has moved on to a new run. Report the end of
				// the snapshot run without touching the new run's state.
				s.mu.Unlock()
				return wire.SubprocessEvent{}, endedSignal(run)
			}
			s.finSeen = true
			err := s.programHasEndedLocked()
			s.mu.Unlock()
			return wire.SubprocessEvent{}, err
		}
		if item.Err != nil {
			s.logger.Warn("event_stream_fault",
				"run_id", runID.ID,
				"error", item.Err,
			)
			return wire.SubprocessEvent{}, item.Err
		}
		if item.Event.Type == wire.EventFin {
			s.mu.Lock()
			if s.run == run {
				s.finSeen = true
			}
			s.mu.Unlock()
		}
		return item.Event, nil

	case <-ctx.Done():
		return wire.SubprocessEvent{}, ctx.Err()
	}
}

// endedSignal builds the terminal signal for a run that is no longer the
// active one. Its resources were already released when it was acknowledged.
func endedSignal(run *engine.Run) error {
	code, atMS, ok := run.FinInfo()
	if !ok {
		return &wire.ExecutionError{Description: "run ended without exit status"}
	}
	return &wire.ProgramHasEnded{
		ExitCode:           code,
		WhenItWasCompleted: wire.TimingWithinRun{MillisecondsSinceStartOfRun: atMS},
	}
}

// programHasEndedLocked builds the terminal signal and, on its first
// construction, releases the run's resources. Caller holds s.mu.
func (s *Service) programHasEndedLocked() error {
	code, atMS, ok := s.run.FinInfo()
	if !ok {
		// finSeen without FinInfo cannot happen; FIN delivery implies the
		// run recorded its exit before enqueueing.
		return &wire.ExecutionError{Description: "run ended without exit status"}
	}

	if !s.cleaned {
		s.cleaned = true
		if err := s.engine.Cleanup(s.runID); err != nil {
			s.logger.Warn("run_cleanup_failed",
				"run_id", s.runID.ID,
				"error", err,
			)
		}
	}

	return &wire.ProgramHasEnded{
		ExitCode:           code,
		WhenItWasCompleted: wire.TimingWithinRun{MillisecondsSinceStartOfRun: atMS},
	}
}

// Stop terminates the active run's process. Events already captured remain
// pullable; FIN arrives through the normal path with the signal exit code.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	run := s.run
	id := s.runID
	s.mu.Unlock()

	if run == nil {
		return &wire.ExecutionError{Description: "no active run"}
	}
	return s.engine.Stop(id, timeout)
}

// RunID returns the active run's identity, or false when none is active.
func (s *Service) RunID() (wire.RunID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return wire.RunID{}, false
	}
	return s.runID, true
}
