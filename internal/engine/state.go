// Package engine owns the lifecycle of subprocess runs: spawning, output
// capture through chunk buffers, timing, and exit status.
package engine

// RunState is the lifecycle state of one run.
//
// Transitions: NotStarted→Running on successful spawn, Running→Ended on
// process exit (natural or killed). There is no transition out of Ended.
type RunState int32

const (
	// StateNotStarted is the initial state before spawn.
	StateNotStarted RunState = iota

	// StateRunning means the process has been spawned and not yet exited.
	StateRunning

	// StateEnded means the process has exited; terminal.
	StateEnded
)

// String returns a human-readable name for the state.
func (s RunState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is Ended.
func (s RunState) IsTerminal() bool {
	return s == StateEnded
}
