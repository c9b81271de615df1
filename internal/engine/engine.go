package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-proc-stream/internal/chunkbuf"
	"github.com/randomizedcoder/go-proc-stream/internal/estimate"
	"github.com/randomizedcoder/go-proc-stream/internal/history"
	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

const (
	// DefaultQueueDepth is the per-run event queue size. A full queue blocks
	// the capture goroutines, which in turn lets the chunk buffers fill and
	// truncate; that is the intended overflow order.
	DefaultQueueDepth = 1024

	// captureChunkSize is the pipe read granularity.
	captureChunkSize = 4096
)

// SampleRecorder receives the completed-run sample at FIN.
// estimate.Recorder satisfies it.
type SampleRecorder interface {
	RecordCompleted(sample history.Sample)
}

// Callbacks contains optional hooks for run lifecycle events. Used by the
// caller to wire metrics without coupling the engine to a collector.
type Callbacks struct {
	// OnStart is called after the process has been spawned.
	OnStart func(id wire.RunID, pid int)

	// OnOutput is called for every delivered output chunk.
	OnOutput func(id wire.RunID, stream wire.OutputType, n int)

	// OnTruncated is called when a full chunk buffer drops capture bytes.
	OnTruncated func(id wire.RunID, stream wire.OutputType, dropped uint64)

	// OnExit is called after the FIN event has been enqueued.
	OnExit func(id wire.RunID, exitCode int32, uptime time.Duration)
}

// Config holds configuration for creating a new Engine.
type Config struct {
	// BufferCapacity is the capacity of each per-stream chunk buffer.
	BufferCapacity uint64

	// QueueDepth is the per-run event queue size. 0 = DefaultQueueDepth.
	QueueDepth int

	// SignatureEnvKeys selects which request env keys join the invocation
	// signature used to group historical runs.
	SignatureEnvKeys []string
}

// Engine spawns subprocesses and turns their lifecycle into ordered event
// queues: one START, zero or more OUTPUT chunks per captured stream, one FIN.
//
// Output bytes move pipe → chunk buffer → event, so every captured byte
// crosses the bounded buffer and inherits its truncation policy.
type Engine struct {
	cfg       Config
	buffers   *chunkbuf.Manager
	recorder  SampleRecorder
	logger    *slog.Logger
	callbacks Callbacks

	mu   sync.RWMutex
	runs map[string]*runEntry
}

// runEntry bundles a run with the resources the engine manages for it.
type runEntry struct {
	run     *Run
	cmd     *exec.Cmd
	tracker *estimate.Tracker
	stdout  chunkbuf.InternKey
	stderr  chunkbuf.InternKey
}

// New creates an Engine. recorder may be nil to skip history recording.
func New(cfg Config, buffers *chunkbuf.Manager, recorder SampleRecorder, logger *slog.Logger, callbacks Callbacks) *Engine {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Engine{
		cfg:       cfg,
		buffers:   buffers,
		recorder:  recorder,
		logger:    logger,
		callbacks: callbacks,
		runs:      make(map[string]*runEntry),
	}
}

// BeginExecution validates the request, allocates the run's chunk buffers,
// and spawns the process. On success the run is registered, its START event
// is already enqueued, and capture is underway.
//
// Failure returns a *wire.CreationError. A failed request allocates nothing
// durable: buffers created before the spawn attempt are destroyed again and
// no RunID exists.
func (e *Engine) BeginExecution(ctx context.Context, req wire.ProcessExecutionRequest) (wire.RunID, error) {
	path, err := validateRequest(req)
	if err != nil {
		return wire.RunID{}, err
	}

	stdoutRes := e.buffers.Create(e.cfg.BufferCapacity)
	if stdoutRes.Tag != chunkbuf.Created {
		return wire.RunID{}, &wire.CreationError{Description: "stdout buffer allocation failed"}
	}
	stderrRes := e.buffers.Create(e.cfg.BufferCapacity)
	if stderrRes.Tag != chunkbuf.Created {
		e.buffers.Destroy(stdoutRes.Handle)
		return wire.RunID{}, &wire.CreationError{Description: "stderr buffer allocation failed"}
	}

	cmd := exec.CommandContext(ctx, path, req.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = mergedEnv(req)
	// Process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.destroyBuffers(stdoutRes.Handle, stderrRes.Handle)
		return wire.RunID{}, &wire.CreationError{Description: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.destroyBuffers(stdoutRes.Handle, stderrRes.Handle)
		return wire.RunID{}, &wire.CreationError{Description: fmt.Sprintf("stderr pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		e.destroyBuffers(stdoutRes.Handle, stderrRes.Handle)
		return wire.RunID{}, &wire.CreationError{Description: fmt.Sprintf("spawn %q: %v", path, err)}
	}

	id := wire.RunID{ID: uuid.NewString()}
	signature := Signature(req, e.cfg.SignatureEnvKeys)

	run := newRun(id, signature, e.cfg.QueueDepth)
	run.state.Store(int32(StateRunning))

	entry := &runEntry{
		run:     run,
		cmd:     cmd,
		tracker: estimate.NewTracker(signature),
		stdout:  stdoutRes.Handle,
		stderr:  stderrRes.Handle,
	}

	e.mu.Lock()
	e.runs[id.ID] = entry
	e.mu.Unlock()

	run.emitEvent(wire.SubprocessEvent{
		Type:  wire.EventStart,
		RunID: id,
	})

	pid := cmd.Process.Pid
	e.logger.Info("run_started",
		"run_id", id.ID,
		"pid", pid,
		"argv0", req.Argv[0],
		"signature", signature,
	)
	if e.callbacks.OnStart != nil {
		e.callbacks.OnStart(id, pid)
	}

	go e.supervise(entry, stdout, stderr)

	return id, nil
}

// supervise drains both capture streams, waits for the process, and emits
// FIN. It owns the run from spawn to queue close.
func (e *Engine) supervise(entry *runEntry, stdout, stderr io.ReadCloser) {
	g := new(errgroup.Group)
	g.Go(func() error {
		return e.capture(entry, wire.Stdout, stdout, entry.stdout)
	})
	g.Go(func() error {
		return e.capture(entry, wire.Stderr, stderr, entry.stderr)
	})

	// Capture goroutines exit on pipe EOF, which happens at process exit.
	// Faults inside them surface as queue items, not as errors here.
	_ = g.Wait()

	waitErr := entry.cmd.Wait()
	code := extractExitCode(waitErr)

	entry.run.finish(code)

	_, finAtMS, _ := entry.run.FinInfo()
	if e.recorder != nil {
		e.recorder.RecordCompleted(entry.tracker.OnFin(finAtMS))
	}

	uptime := time.Duration(finAtMS) * time.Millisecond
	e.logger.Info("run_exited",
		"run_id", entry.run.id.ID,
		"exit_code", code,
		"uptime", uptime.String(),
		"output_bytes", entry.tracker.Progress(),
	)
	if e.callbacks.OnExit != nil {
		e.callbacks.OnExit(entry.run.id, code, uptime)
	}
}

// capture pumps one pipe through the run's chunk buffer and out as OUTPUT
// events. Buffer faults become ExecutionError items; the pump keeps going.
func (e *Engine) capture(entry *runEntry, stream wire.OutputType, pipe io.ReadCloser, handle chunkbuf.InternKey) error {
	// A crashed capture goroutine would stall the run silently: the process
	// keeps writing but nothing drains. Treat it as fatal: kill the process
	// and synthesize FIN with the sentinel exit status.
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("capture_crashed",
				"run_id", entry.run.id.ID,
				"stream", stream.String(),
				"panic", fmt.Sprint(rec),
			)
			e.killProcess(entry)
			entry.run.finish(-1)
		}
	}()

	in := make([]byte, captureChunkSize)

	// Read must never request more than the buffer's capacity; a descriptor
	// longer than the capacity is a failed read, not a short one.
	drainSize := uint64(captureChunkSize)
	if e.cfg.BufferCapacity < drainSize {
		drainSize = e.cfg.BufferCapacity
	}
	out := make([]byte, drainSize)

	for {
		n, err := pipe.Read(in)
		if n > 0 {
			res := e.buffers.Write(handle, chunkbuf.NewChunk(in[:n]))
			if res.Tag != chunkbuf.Written {
				entry.run.emitError(&wire.ExecutionError{
					Description: fmt.Sprintf("%s chunk buffer write failed", stream),
				})
			} else {
				if dropped := uint64(n) - res.BytesWritten; dropped > 0 {
					e.logger.Warn("output_truncated",
						"run_id", entry.run.id.ID,
						"stream", stream.String(),
						"dropped_bytes", dropped,
					)
					if e.callbacks.OnTruncated != nil {
						e.callbacks.OnTruncated(entry.run.id, stream, dropped)
					}
				}
				e.drain(entry, stream, handle, out)
			}
		}
		if err != nil {
			// EOF and closed-pipe errors both mean the stream is finished.
			return nil
		}
	}
}

// drain moves every currently-buffered byte out of the chunk buffer and into
// OUTPUT events, one event per read.
func (e *Engine) drain(entry *runEntry, stream wire.OutputType, handle chunkbuf.InternKey, scratch []byte) {
	for {
		res := e.buffers.Read(handle, chunkbuf.NewChunk(scratch))
		if res.Tag != chunkbuf.Read {
			entry.run.emitError(&wire.ExecutionError{
				Description: fmt.Sprintf("%s chunk buffer read failed", stream),
			})
			return
		}
		if res.Chunk.Len == 0 {
			return
		}

		data := make([]byte, res.Chunk.Len)
		copy(data, scratch[:res.Chunk.Len])

		entry.tracker.OnOutput(entry.run.elapsedMS(), len(data))

		entry.run.emitEvent(wire.SubprocessEvent{
			Type:  wire.EventOutput,
			RunID: entry.run.id,
			Output: &wire.OutputEvent{
				Type: stream,
				Data: data,
			},
		})
		if e.callbacks.OnOutput != nil {
			e.callbacks.OnOutput(entry.run.id, stream, len(data))
		}
	}
}

// Lookup returns the run for id, or false when unknown or cleaned up.
func (e *Engine) Lookup(id wire.RunID) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.runs[id.ID]
	if !ok {
		return nil, false
	}
	return entry.run, true
}

// Tracker returns the run's progress tracker for estimate queries.
func (e *Engine) Tracker(id wire.RunID) (*estimate.Tracker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.runs[id.ID]
	if !ok {
		return nil, false
	}
	return entry.tracker, true
}

// Stop terminates the run's process group: SIGTERM first, SIGKILL when the
// process has not exited within timeout. FIN is still emitted by the normal
// exit path with the signal-derived exit code.
func (e *Engine) Stop(id wire.RunID, timeout time.Duration) error {
	e.mu.RLock()
	entry, ok := e.runs[id.ID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stop: unknown run %s", id.ID)
	}
	if entry.run.State() == StateEnded {
		return nil
	}

	pid := entry.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		entry.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-entry.run.Done():
		return nil
	case <-time.After(timeout):
		e.logger.Warn("force_killing_process",
			"run_id", id.ID,
			"pid", pid,
		)
		if pgid, err := syscall.Getpgid(pid); err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			entry.cmd.Process.Kill()
		}
		return errors.New("process did not exit gracefully")
	}
}

// Cleanup releases the run's chunk buffers and drops it from the registry.
// Called by the delivery layer once the consumer has acknowledged the end of
// the run. Cleaning up a live run is an error.
func (e *Engine) Cleanup(id wire.RunID) error {
	e.mu.Lock()
	entry, ok := e.runs[id.ID]
	if ok && entry.run.State() != StateEnded {
		e.mu.Unlock()
		return fmt.Errorf("cleanup: run %s still running", id.ID)
	}
	if ok {
		delete(e.runs, id.ID)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	e.destroyBuffers(entry.stdout, entry.stderr)
	e.logger.Debug("run_cleaned_up", "run_id", id.ID)
	return nil
}

// ActiveRuns returns the number of registered runs, ended-but-uncleaned
// included.
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// Close stops every live run and releases all run resources.
func (e *Engine) Close(timeout time.Duration) {
	e.mu.RLock()
	ids := make([]wire.RunID, 0, len(e.runs))
	for _, entry := range e.runs {
		ids = append(ids, entry.run.id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.Stop(id, timeout)
	}
	for _, id := range ids {
		if run, ok := e.Lookup(id); ok {
			<-run.Done()
		}
		e.Cleanup(id)
	}
}

// killProcess kills the run's process group immediately.
func (e *Engine) killProcess(entry *runEntry) {
	if entry.cmd.Process == nil {
		return
	}
	pid := entry.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		entry.cmd.Process.Kill()
	}
}

func (e *Engine) destroyBuffers(handles ...chunkbuf.InternKey) {
	for _, h := range handles {
		e.buffers.Destroy(h)
	}
}

// extractExitCode maps a Wait() error to the run's exit code.
// Signal deaths map to 128 + signal number. A Wait failure that carries no
// process status at all reports the -1 sentinel.
func extractExitCode(err error) int32 {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int32(status.Signal())
			}
			return int32(status.ExitStatus())
		}
	}

	return -1
}
