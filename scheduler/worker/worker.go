// Package worker implements C5: the worker thread event loop. One Worker
// runs per OS thread in a group (spec §5 "Threads"); workergroup pins each
// Worker.Run to its own goroutine via runtime.LockOSThread so "OS thread"
// is literal, not just "goroutine," matching spec §3's "fixed count of OS
// threads." Grounded on the dequeue-dispatch-loop shape of the teacher's
// kernel/threads/signal_loop.go (a single select-driven event loop) and on
// supervisor/coordinator.go's plain-struct, no-actor-mailbox style.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/nmxmxh/corerun/logging"
	"github.com/nmxmxh/corerun/metrics"
	"github.com/nmxmxh/corerun/scheduler/coordinator"
	"github.com/nmxmxh/corerun/scheduler/queue"
	"github.com/nmxmxh/corerun/scheduler/stack"
	"github.com/nmxmxh/corerun/scheduler/task"
)

var log = logging.For("scheduler.worker")

// parkTimeout bounds how long a worker blocks in Notifier.Park before
// re-checking its queues and the shutdown condition. Draining the timeout
// heap is not done here; the worker group's tick goroutine does that.
const parkTimeout = 10 * time.Millisecond

// Worker is one OS-thread-bound dispatcher (spec §4.5 / §3 "Worker").
type Worker struct {
	ID       int
	queues   *queue.Set
	notifier *queue.Notifier
	coord    *coordinator.Coordinator
	stacks   *stack.Pool
	metrics  *metrics.Scheduler
	parked   *atomic.Int64 // shared across the group, for the parked-worker gauge
}

// New constructs a worker bound to id within a group sharing queues,
// notifier, coordinator, stack pool, and a parked-worker counter.
func New(id int, queues *queue.Set, notifier *queue.Notifier, coord *coordinator.Coordinator, stacks *stack.Pool, m *metrics.Scheduler, parked *atomic.Int64) *Worker {
	return &Worker{ID: id, queues: queues, notifier: notifier, coord: coord, stacks: stacks, metrics: m, parked: parked}
}

// Run is the worker's event loop (spec §4.5). Intended to run on its own
// goroutine with runtime.LockOSThread already called by the caller
// (workergroup owns that, since it is a property of how the group spawns
// workers, not of one worker's dispatch logic).
func (w *Worker) Run() {
	for {
		item, ok := w.queues.Dequeue(w.ID)
		if !ok {
			if w.coord.CanExit() {
				log.Debug().Int("worker", w.ID).Msg("worker exiting: shutdown drained")
				return
			}
			w.park()
			continue
		}

		w.dispatch(item)
	}
}

func (w *Worker) park() {
	w.parked.Add(1)
	w.metrics.SetWorkersParked(int(w.parked.Load()))
	w.notifier.Park(w.ID, parkTimeout)
	w.parked.Add(-1)
	w.metrics.SetWorkersParked(int(w.parked.Load()))
}

// dispatch runs one (task, response) pair to its next suspension point or
// to completion/abort, and handles the resulting request per spec §4.5
// step 4.
func (w *Worker) dispatch(item queue.Item) {
	t := item.Task
	if t.BoundWorker() < 0 {
		t.BindToWorker(w.ID)
	}

	req, finished, err := t.Resume(item.Resp)
	if finished {
		w.finalize(t, err)
		return
	}

	switch r := req.(type) {
	case task.ReqYield:
		w.queues.PushLocal(w.ID, queue.Item{Task: t, Resp: task.RespNone{}})

	case task.ReqWaitUntil:
		if !r.Deadline.After(time.Now()) {
			// R3: sleep_until(past) is observationally equivalent to
			// yield_now().
			w.queues.PushLocal(w.ID, queue.Item{Task: t, Resp: task.RespTimeoutFired{}})
			return
		}
		w.coord.OnTaskWaitUntil(t, r.Deadline)

	case task.ReqWaitBuffer:
		w.coord.OnTaskWaitBuffer(t, r.BufferID)

	default:
		log.Warn().Int("worker", w.ID).Str("task", t.Label()).Msg("unrecognized task request; re-queuing")
		w.queues.PushLocal(w.ID, queue.Item{Task: t, Resp: task.RespNone{}})
	}
}

func (w *Worker) finalize(t *task.Task, cause error) {
	// A panic in a callback is fatal: log it, then let it terminate the
	// process (SPEC_FULL §10.1).
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", w.ID).Str("task", t.Label()).Interface("panic", r).Msg("panic while finalizing task")
			panic(r)
		}
	}()
	if cause != nil {
		log.Warn().Int("worker", w.ID).Str("task", t.Label()).Err(cause).Msg("task aborted")
		t.RunCleanupOnAbort(cause)
		w.coord.OnTaskFinalized(t, true)
	} else {
		t.RunCleanupOnSuccess()
		w.coord.OnTaskFinalized(t, false)
	}
	// Stack release happens strictly after every callback has run (spec
	// §3: "the stack is released after all callbacks have run").
	t.ReleaseStack(w.stacks)
}
