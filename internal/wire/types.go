// Package wire defines the event-stream service contract.
//
// The enum values and field widths here are part of the wire contract shared
// with non-Go consumers. They must not be renumbered or resized:
//
//	OutputType: STDOUT=0, STDERR=1
//	EventType:  START=0, FIN=1, OUTPUT=2
//	TimingWithinRun.MillisecondsSinceStartOfRun: int64
//	ExitStatus.ExitCode: int32
//	RunID.ID: string
package wire

import "fmt"

// OutputType tags an OutputEvent with the stream it came from.
type OutputType int32

const (
	// Stdout identifies bytes captured from the subprocess standard output.
	Stdout OutputType = 0

	// Stderr identifies bytes captured from the subprocess standard error.
	Stderr OutputType = 1
)

// String returns a human-readable name for the output type.
func (t OutputType) String() string {
	switch t {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("output_type(%d)", int32(t))
	}
}

// EventType selects the SubprocessEvent variant.
type EventType int32

const (
	// EventStart is emitted exactly once per run, at spawn.
	EventStart EventType = 0

	// EventFin is emitted exactly once per run, at process exit.
	// It is always the final event of a run.
	EventFin EventType = 1

	// EventOutput carries a chunk of captured stdout/stderr bytes.
	// Zero or more OUTPUT events occur between START and FIN.
	EventOutput EventType = 2
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventFin:
		return "fin"
	case EventOutput:
		return "output"
	default:
		return fmt.Sprintf("event_type(%d)", int32(t))
	}
}

// RunID identifies one subprocess execution. IDs are unique per execution,
// created on beginExecution, and never reused.
type RunID struct {
	ID string
}

// TimingWithinRun is the elapsed time since the run's start.
// Within a run's event sequence the value is monotonically nondecreasing.
type TimingWithinRun struct {
	MillisecondsSinceStartOfRun int64
}

// ExitStatus is the process exit code, set exactly once, at FIN.
type ExitStatus struct {
	ExitCode int32
}

// OutputEvent is a byte span tagged with the stream it was captured from.
// The data is ephemeral: it is consumed once delivered.
type OutputEvent struct {
	Type OutputType
	Data []byte
}

// SubprocessEvent is the unit the event stream service delivers.
//
// It is a discriminated union keyed by Type:
//   - START:  Timing + RunID only
//   - OUTPUT: Timing + RunID + Output
//   - FIN:    Timing + RunID + ExitStatus
type SubprocessEvent struct {
	Type   EventType
	Timing TimingWithinRun
	RunID  RunID

	// ExitStatus is populated iff Type == EventFin.
	ExitStatus *ExitStatus

	// Output is populated iff Type == EventOutput.
	Output *OutputEvent
}

// ProcessExecutionRequest describes one subprocess invocation.
// It is immutable once submitted.
//
// All fields are optional at the wire level, but Argv and Cwd are required
// for beginExecution to succeed.
type ProcessExecutionRequest struct {
	// Argv is the ordered argument vector; Argv[0] is the executable.
	Argv []string

	// Env is the environment for the subprocess. Unordered.
	Env map[string]string

	// UnixEpochSeconds is the submission time of the request.
	UnixEpochSeconds int64

	// Cwd is the working directory for the subprocess.
	Cwd string
}
