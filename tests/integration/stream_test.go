//go:build integration

// Package integration contains end-to-end tests that exercise the full
// begin/pull/estimate path against real subprocesses and a real SQLite file.
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/chunkbuf"
	"github.com/randomizedcoder/go-proc-stream/internal/engine"
	"github.com/randomizedcoder/go-proc-stream/internal/estimate"
	"github.com/randomizedcoder/go-proc-stream/internal/history"
	"github.com/randomizedcoder/go-proc-stream/internal/logging"
	"github.com/randomizedcoder/go-proc-stream/internal/stream"
	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

// requireShell skips the test if no POSIX shell is available.
func requireShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH - skipping integration test")
	}
}

func newStack(t *testing.T, store history.Store) (*stream.Service, *engine.Engine) {
	t.Helper()

	buffers := chunkbuf.NewManager()
	t.Cleanup(buffers.Close)

	logger := logging.NewLoggerWithWriter(io.Discard, "text", "error")
	recorder := estimate.NewRecorder(store, logger)
	t.Cleanup(recorder.Wait)

	eng := engine.New(
		engine.Config{BufferCapacity: 64 * 1024},
		buffers, recorder, logger, engine.Callbacks{},
	)
	return stream.NewService(eng, logger), eng
}

func runToEnd(t *testing.T, svc *stream.Service, req wire.ProcessExecutionRequest) ([]wire.SubprocessEvent, *wire.ProgramHasEnded) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := svc.BeginExecution(ctx, req); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}

	var events []wire.SubprocessEvent
	for {
		ev, err := svc.GetNextEvent(ctx)
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
			continue
		}
		t.Fatalf("GetNextEvent: %v", err)
	}
}

// TestIntegration_FullRunWithSQLiteHistory drives two complete runs of the
// same command against a SQLite history file and checks that the second run
// can be estimated from the first.
func TestIntegration_FullRunWithSQLiteHistory(t *testing.T) {
	requireShell(t)

	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := history.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	req := wire.ProcessExecutionRequest{
		Argv: []string{"sh", "-c", "echo step1; sleep 0.2; echo step2"},
		Cwd:  t.TempDir(),
	}
	signature := engine.Signature(req, nil)

	logger := logging.NewLoggerWithWriter(io.Discard, "text", "error")
	estimator := estimate.NewEstimator(store, nil, logger)

	// First run: no history yet, estimate must be Unknown.
	if _, ok := estimator.Estimate(context.Background(), signature, 0, 0); ok {
		t.Error("estimate available before any history")
	}

	svc1, _ := newStack(t, store)
	events, ended := runToEnd(t, svc1, req)
	if ended.ExitCode != 0 {
		t.Fatalf("first run exit code = %d, want 0", ended.ExitCode)
	}

	var stdout strings.Builder
	for _, ev := range events {
		if ev.Type == wire.EventOutput && ev.Output.Type == wire.Stdout {
			stdout.Write(ev.Output.Data)
		}
	}
	if got := stdout.String(); got != "step1\nstep2\n" {
		t.Errorf("first run stdout = %q, want %q", got, "step1\nstep2\n")
	}

	// The recorder persists in the background; wait for the row to land.
	deadline := time.Now().Add(10 * time.Second)
	for {
		samples, err := store.BySignature(context.Background(), signature)
		if err != nil {
			t.Fatalf("BySignature: %v", err)
		}
		if len(samples) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history sample not persisted, have %d", len(samples))
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Second run of the same command: now estimable from history.
	est, ok := estimator.Estimate(context.Background(), signature, 50*time.Millisecond, 0)
	if !ok {
		t.Fatal("estimate Unknown with one recorded run")
	}
	if est.Samples != 1 {
		t.Errorf("estimate samples = %d, want 1", est.Samples)
	}
	if total := 50*time.Millisecond + est.ExpectedRemaining; total < 50*time.Millisecond || total > 30*time.Second {
		t.Errorf("implied total = %v, not plausible for a ~200ms command", total)
	}

	svc2, _ := newStack(t, store)
	_, ended2 := runToEnd(t, svc2, req)
	if ended2.ExitCode != 0 {
		t.Errorf("second run exit code = %d, want 0", ended2.ExitCode)
	}
}

// TestIntegration_StopDuringLongRun stops a long-running process mid-flight
// and verifies the stream still terminates deterministically.
func TestIntegration_StopDuringLongRun(t *testing.T) {
	requireShell(t)

	store := history.NewMemoryStore()
	defer store.Close()

	svc, _ := newStack(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := svc.BeginExecution(ctx, wire.ProcessExecutionRequest{
		Argv: []string{"sh", "-c", "echo before; sleep 60"},
		Cwd:  "/",
	}); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}

	// Pull until the first output arrives, then stop the process.
	for {
		ev, err := svc.GetNextEvent(ctx)
		if err != nil {
			t.Fatalf("GetNextEvent before stop: %v", err)
		}
		if ev.Type == wire.EventOutput {
			break
		}
	}
	if err := svc.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for {
		_, err := svc.GetNextEvent(ctx)
		if err == nil {
			continue
		}
		var ended *wire.ProgramHasEnded
		if errors.As(err, &ended) {
			if ended.ExitCode != 143 {
				t.Errorf("exit code = %d, want 143 for SIGTERM", ended.ExitCode)
			}
			return
		}
		t.Fatalf("GetNextEvent after stop: %v", err)
	}
}
