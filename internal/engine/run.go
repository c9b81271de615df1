package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-proc-stream/internal/wire"
)

// Item is one entry in a run's event queue: either an event or a non-terminal
// fault raised while producing events. Exactly one of the two is set.
type Item struct {
	Event wire.SubprocessEvent
	Err   error
}

// Run tracks one subprocess execution from spawn to FIN.
//
// Events flow through a buffered queue in emission order. The queue is closed
// after FIN; a closed queue is how the delivery layer knows the run is over.
type Run struct {
	id        wire.RunID
	signature string
	startTime time.Time

	queue chan Item
	done  chan struct{}

	state atomic.Int32

	// emitMu serializes event emission so timing stamps are assigned in
	// queue order and can be clamped monotone, and so nothing sends after
	// the queue is closed. ended is guarded by it.
	emitMu       sync.Mutex
	lastTimingMS int64
	ended        bool

	// FIN bookkeeping, valid once state reaches StateEnded.
	finOnce  sync.Once
	exitCode atomic.Int32
	finAtMS  atomic.Int64
}

func newRun(id wire.RunID, signature string, queueDepth int) *Run {
	r := &Run{
		id:        id,
		signature: signature,
		startTime: time.Now(),
		queue:     make(chan Item, queueDepth),
		done:      make(chan struct{}),
	}
	r.state.Store(int32(StateNotStarted))
	return r
}

// ID returns the run's identity.
func (r *Run) ID() wire.RunID { return r.id }

// State returns the run's lifecycle state.
func (r *Run) State() RunState { return RunState(r.state.Load()) }

// Events returns the run's event queue. The channel is closed after the FIN
// event has been enqueued.
func (r *Run) Events() <-chan Item { return r.queue }

// Done is closed when the run has ended and the FIN event is enqueued.
func (r *Run) Done() <-chan struct{} { return r.done }

// FinInfo returns the recorded exit code and FIN timing. ok is false until
// the run has ended.
func (r *Run) FinInfo() (exitCode int32, atMS int64, ok bool) {
	if r.State() != StateEnded {
		return 0, 0, false
	}
	return r.exitCode.Load(), r.finAtMS.Load(), true
}

// elapsedMS is the wall-clock time since spawn in milliseconds.
func (r *Run) elapsedMS() int64 {
	return time.Since(r.startTime).Milliseconds()
}

// stamp assigns the next timing value under emitMu. Wall-clock reads from
// concurrent goroutines can race each other by a tick; the clamp keeps the
// delivered sequence nondecreasing regardless.
func (r *Run) stamp() wire.TimingWithinRun {
	ms := r.elapsedMS()
	if ms < r.lastTimingMS {
		ms = r.lastTimingMS
	}
	r.lastTimingMS = ms
	return wire.TimingWithinRun{MillisecondsSinceStartOfRun: ms}
}

// emitEvent stamps the event and enqueues it, dropped silently once the run
// has ended. Blocks when the queue is full; queue backpressure is the only
// flow control between capture and delivery.
func (r *Run) emitEvent(ev wire.SubprocessEvent) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.ended {
		return
	}
	ev.Timing = r.stamp()
	r.queue <- Item{Event: ev}
}

// emitError enqueues a non-terminal fault. The run keeps going.
func (r *Run) emitError(err error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.ended {
		return
	}
	r.queue <- Item{Err: err}
}

// finish emits the FIN event exactly once, records the exit status, marks the
// run ended, and closes the queue. Safe to call from multiple paths; only the
// first caller's exit code wins.
func (r *Run) finish(code int32) {
	r.finOnce.Do(func() {
		r.emitMu.Lock()
		defer r.emitMu.Unlock()

		timing := r.stamp()
		r.ended = true
		r.exitCode.Store(code)
		r.finAtMS.Store(timing.MillisecondsSinceStartOfRun)
		r.state.Store(int32(StateEnded))

		r.queue <- Item{Event: wire.SubprocessEvent{
			Type:       wire.EventFin,
			Timing:     timing,
			RunID:      r.id,
			ExitStatus: &wire.ExitStatus{ExitCode: code},
		}}
		close(r.queue)
		close(r.done)
	})
}
