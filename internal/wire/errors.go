package wire

import "fmt"

// CreationError reports a failed spawn: missing executable, permission
// denied, invalid working directory. A request that fails this way never
// allocates a RunID and never enters any registry.
type CreationError struct {
	Description string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creation error: %s", e.Description)
}

// ExecutionError reports an internal fault during event production, such as
// a chunk-buffer read failing underneath the event stream. It does not end
// the run; callers may keep pulling events.
type ExecutionError struct {
	Description string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error: %s", e.Description)
}

// ProgramHasEnded is the deterministic terminal signal of a run: once the
// FIN event has been delivered, every subsequent pull reports it. It is not
// a fault. It carries the recorded exit code and the final timing.
type ProgramHasEnded struct {
	ExitCode           int32
	WhenItWasCompleted TimingWithinRun
}

func (e *ProgramHasEnded) Error() string {
	return fmt.Sprintf("program has ended: exit_code=%d at %dms",
		e.ExitCode, e.WhenItWasCompleted.MillisecondsSinceStartOfRun)
}
