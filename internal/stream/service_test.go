package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/chunkbuf"
	"github.com/randomizedcoder/go-proc-stream/internal/engine"
	"github.com/randomizedcoder/go-proc-stream/internal/logging"
	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

func testService(t *testing.T) (*Service, *chunkbuf.Manager) {
	t.Helper()

	buffers := chunkbuf.NewManager()
	t.Cleanup(buffers.Close)

	logger := logging.NewLoggerWithWriter(io.Discard, "text", "error")
	eng := engine.New(engine.Config{BufferCapacity: 64 * 1024}, buffers, nil, logger, engine.Callbacks{})
	return NewService(eng, logger), buffers
}

// pullUntilEnded pulls events until the first ProgramHasEnded, returning the
// events and the terminal signal.
func pullUntilEnded(t *testing.T, s *Service) ([]wire.SubprocessEvent, *wire.ProgramHasEnded) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []wire.SubprocessEvent
	for {
		ev, err := s.GetNextEvent(ctx)
		if err == nil {
			events = append(events, ev)
			continue
		}

		var ended *wire.ProgramHasEnded
		if errors.As(err, &ended) {
			return events, ended
		}
		var execErr *wire.ExecutionError
		if errors.As(err, &execErr) {
			continue // non-terminal by contract
		}
		t.Fatalf("GetNextEvent: %v", err)
	}
}

// =============================================================================
// Event delivery
// =============================================================================

func TestPullLoopDeliversOrderedEvents(t *testing.T) {
	s, _ := testService(t)

	id, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"echo", "hello"},
		Cwd:  "/",
	})
	if err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}

	events, ended := pullUntilEnded(t, s)
	if len(events) < 3 {
		t.Fatalf("got %d events, want at least START, OUTPUT, FIN", len(events))
	}

	if events[0].Type != wire.EventStart {
		t.Errorf("first event = %v, want start", events[0].Type)
	}
	fin := events[len(events)-1]
	if fin.Type != wire.EventFin {
		t.Errorf("last event = %v, want fin", fin.Type)
	}

	var stdout strings.Builder
	for i, ev := range events {
		if ev.RunID != id {
			t.Errorf("event %d RunID = %q, want %q", i, ev.RunID.ID, id.ID)
		}
		if ev.Type == wire.EventOutput && ev.Output.Type == wire.Stdout {
			stdout.Write(ev.Output.Data)
		}
	}
	if got := stdout.String(); got != "hello\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\n")
	}

	if ended.ExitCode != 0 {
		t.Errorf("ProgramHasEnded.ExitCode = %d, want 0", ended.ExitCode)
	}
	if ended.WhenItWasCompleted != fin.Timing {
		t.Errorf("ProgramHasEnded timing = %+v, want FIN timing %+v",
			ended.WhenItWasCompleted, fin.Timing)
	}
}

func TestProgramHasEndedIsDeterministic(t *testing.T) {
	s, _ := testService(t)

	if _, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"sh", "-c", "exit 7"},
		Cwd:  "/",
	}); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}

	_, first := pullUntilEnded(t, s)
	if first.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", first.ExitCode)
	}

	// Every further pull repeats the identical signal.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.GetNextEvent(ctx)
		var ended *wire.ProgramHasEnded
		if !errors.As(err, &ended) {
			t.Fatalf("pull %d after end: error = %v, want ProgramHasEnded", i, err)
		}
		if *ended != *first {
			t.Errorf("pull %d after end = %+v, want %+v", i, ended, first)
		}
	}
}

func TestEndAcknowledgmentReleasesBuffers(t *testing.T) {
	s, buffers := testService(t)

	if _, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"echo", "x"},
		Cwd:  "/",
	}); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	if got := buffers.Len(); got != 2 {
		t.Errorf("live buffers = %d, want 2 during run", got)
	}

	pullUntilEnded(t, s)

	if got := buffers.Len(); got != 0 {
		t.Errorf("live buffers = %d, want 0 after acknowledgment", got)
	}
}

// =============================================================================
// Failure modes
// =============================================================================

func TestBeginExecutionFailureIsCreationError(t *testing.T) {
	s, _ := testService(t)

	id, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"no-such-binary-go-proc-stream"},
	})
	var creationErr *wire.CreationError
	if !errors.As(err, &creationErr) {
		t.Fatalf("error = %v (%T), want *wire.CreationError", err, err)
	}
	if id.ID != "" {
		t.Errorf("RunID = %q, want empty", id.ID)
	}

	// The failed attempt left no run behind.
	if _, ok := s.RunID(); ok {
		t.Error("RunID reports an active run after failed begin")
	}
}

func TestBeginExecutionRejectsConcurrentRun(t *testing.T) {
	s, _ := testService(t)

	if _, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"sleep", "60"},
		Cwd:  "/",
	}); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	defer func() {
		s.Stop(5 * time.Second)
		pullUntilEnded(t, s)
	}()

	_, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"echo", "second"},
		Cwd:  "/",
	})
	var creationErr *wire.CreationError
	if !errors.As(err, &creationErr) {
		t.Errorf("second begin error = %v (%T), want *wire.CreationError", err, err)
	}
}

func TestGetNextEventWithoutRun(t *testing.T) {
	s, _ := testService(t)

	_, err := s.GetNextEvent(context.Background())
	var execErr *wire.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("error = %v (%T), want *wire.ExecutionError", err, err)
	}
}

func TestGetNextEventHonorsContext(t *testing.T) {
	s, _ := testService(t)

	if _, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"sleep", "60"},
		Cwd:  "/",
	}); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	defer func() {
		s.Stop(5 * time.Second)
		pullUntilEnded(t, s)
	}()

	// Drain the START event, then block on a run that produces nothing.
	ctx := context.Background()
	if _, err := s.GetNextEvent(ctx); err != nil {
		t.Fatalf("pulling START: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.GetNextEvent(shortCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

// =============================================================================
// Concurrent pulls
// =============================================================================

// Two consumers pulling the same service across repeated run/restart cycles:
// between them they must see every output byte, and a pull that straddles a
// restart must answer for the run it was blocked on, never fault.
func TestConcurrentPullersAcrossRuns(t *testing.T) {
	s, _ := testService(t)

	for i := 0; i < 10; i++ {
		if _, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
			Argv: []string{"echo", "tick"},
			Cwd:  "/",
		}); err != nil {
			t.Fatalf("iteration %d BeginExecution: %v", i, err)
		}

		outputs := make([]strings.Builder, 2)
		var wg sync.WaitGroup
		for p := range outputs {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for {
					ev, err := s.GetNextEvent(ctx)
					if err == nil {
						if ev.Type == wire.EventOutput && ev.Output.Type == wire.Stdout {
							outputs[p].Write(ev.Output.Data)
						}
						continue
					}
					var ended *wire.ProgramHasEnded
					if errors.As(err, &ended) {
						return
					}
					t.Errorf("iteration %d puller %d: %v", i, p, err)
					return
				}
			}(p)
		}
		wg.Wait()

		if got := outputs[0].String() + outputs[1].String(); got != "tick\n" {
			t.Fatalf("iteration %d combined stdout = %q, want %q", i, got, "tick\n")
		}
	}
}

// =============================================================================
// Restart after end
// =============================================================================

func TestNewRunAfterAcknowledgedEnd(t *testing.T) {
	s, _ := testService(t)

	first, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"echo", "one"},
		Cwd:  "/",
	})
	if err != nil {
		t.Fatalf("first BeginExecution: %v", err)
	}
	pullUntilEnded(t, s)

	second, err := s.BeginExecution(context.Background(), wire.ProcessExecutionRequest{
		Argv: []string{"echo", "two"},
		Cwd:  "/",
	})
	if err != nil {
		t.Fatalf("second BeginExecution: %v", err)
	}
	if first == second {
		t.Error("RunID reused across runs")
	}

	events, ended := pullUntilEnded(t, s)
	if ended.ExitCode != 0 {
		t.Errorf("second run ExitCode = %d, want 0", ended.ExitCode)
	}
	var stdout strings.Builder
	for _, ev := range events {
		if ev.Type == wire.EventOutput && ev.Output.Type == wire.Stdout {
			stdout.Write(ev.Output.Data)
		}
	}
	if got := stdout.String(); got != "two\n" {
		t.Errorf("second run stdout = %q, want %q", got, "two\n")
	}
}
