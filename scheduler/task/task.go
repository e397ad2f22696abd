// Package task implements C3: the per-task object and the task-side API
// (yield/sleep/wait/TLS) built on top of the taskctx switcher. Grounded on
// the teacher's ChildSupervisor/actor bookkeeping style in
// kernel/threads/supervisor (id, restart/callback bookkeeping fields) and
// on spec §4.3/§6.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/corerun/scheduler/stack"
	"github.com/nmxmxh/corerun/scheduler/taskctx"
)

// ID is a task's unique, never-reused-while-live identifier (spec: "unique
// 64-bit id (never reused while task exists)").
type ID uint64

var idCounter uint64

// NextID hands out the next task id. Exported so the coordinator (which
// creates tasks on admission) and tests can both mint ids from one
// monotonic source.
func NextID() ID {
	return ID(atomic.AddUint64(&idCounter, 1))
}

// BufferStatus is a command buffer's final status (spec §3 "Command
// buffer"). Defined here (rather than in package buffer) so the task-side
// WaitBuffer primitive can return it without an import cycle; buffer
// imports task, not the reverse.
type BufferStatus int

const (
	StatusPending BufferStatus = iota
	StatusSucceeded
	StatusAborted
)

func (s BufferStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// State is the task's lifecycle state (spec §3 invariant: "exactly one of
// {queued, running, waiting-in-graph, waiting-in-timeout-heap, finalized}
// at any time").
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateWaitingGraph
	StateWaitingTimeout
	StateFinalized
)

// Request is what a task hands back to its worker on suspension (spec
// §4.5 step 4). ReqComplete/ReqAbort are not modeled as Request values:
// the switcher already distinguishes "task function returned" (success)
// from "task function returned a non-nil error, or panicked" (abort) via
// taskctx.Context.Resume's finished/err results, so Complete/Abort need no
// separate request payload.
type Request interface{ isRequest() }

type ReqYield struct{}
type ReqWaitUntil struct{ Deadline time.Time }
type ReqWaitBuffer struct{ BufferID uint64 }

func (ReqYield) isRequest()      {}
func (ReqWaitUntil) isRequest()  {}
func (ReqWaitBuffer) isRequest() {}

// Response is what a worker hands back into a suspended task on resume.
type Response interface{ isResponse() }

type RespNone struct{}
type RespTimeoutFired struct{}
type RespBufferStatus struct{ Status BufferStatus }

func (RespNone) isResponse()         {}
func (RespTimeoutFired) isResponse() {}
func (RespBufferStatus) isResponse() {}

type tlsEntry struct {
	value       any
	destructor  func(any)
}

// Descriptor is the user-supplied recipe for one task, submitted as part
// of a command buffer (spec §3 "Task descriptor").
//
// The spec describes callbacks as "(function pointer, user data, cleanup
// function)" triples (§9 "Callbacks-as-data") so they can cross an FFI
// boundary. There is no FFI boundary in this native Go translation — a Go
// closure already carries whatever data it captures — so callbacks here
// are plain func values; this is a deliberate simplification of the
// calling convention, not a drop of the feature (every callback spec names
// still fires exactly where spec says it does).
type Descriptor struct {
	// Label is an optional diagnostic name (SPEC_FULL §12.4), surfaced in
	// logs and panic messages. No scheduling effect.
	Label string
	// Entry is the task body. Returning nil completes the task;
	// returning a non-nil error or panicking aborts it.
	Entry func(api *API) error
	// Pinned, if non-nil, pins this task to a specific worker id for its
	// entire lifetime (spec §4.4 "worker-owned overflow injector").
	Pinned *int

	OnComplete func()
	OnAbort    func(err error)
	OnCleanup  func()
}

// Task is the coordinator-owned runtime state for one scheduled task.
type Task struct {
	ID       ID
	BufferID uint64
	Index    int

	descriptor Descriptor

	boundWorker int32 // -1 until bound; set once via BindToWorker
	stk         *stack.Stack
	ctx         *taskctx.Context

	state atomic.Int32

	tlsMu sync.Mutex // TLS is single-worker-owned per spec; the mutex only
	// guards against accidental cross-worker access during tests/misuse,
	// never contended in the documented usage pattern.
	tls map[any]*tlsEntry

	panicErr error
}

// New constructs a task from a descriptor and an already-acquired stack.
// Constructed by the coordinator when a buffer is admitted (spec §3
// Task lifecycle: "created on coordinator thread when a buffer is
// admitted").
func New(id ID, bufferID uint64, index int, d Descriptor, stk *stack.Stack) *Task {
	t := &Task{
		ID:         id,
		BufferID:   bufferID,
		Index:      index,
		descriptor: d,
		stk:        stk,
		tls:        make(map[any]*tlsEntry),
	}
	t.boundWorker = -1
	t.state.Store(int32(StateQueued))
	t.ctx = taskctx.New(d.Label, func(y *taskctx.Yielder) error {
		api := &API{t: t, y: y}
		return d.Entry(api)
	})
	return t
}

// State returns the task's current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// BindToWorker assigns this task's owning worker exactly once (spec §4.5
// step 2: "if unbound, bind it to this worker"); a second call is a
// programmer error since the spec makes binding one-shot and immutable.
func (t *Task) BindToWorker(workerID int) {
	if !atomic.CompareAndSwapInt32(&t.boundWorker, -1, int32(workerID)) {
		panic("task: BindToWorker called twice")
	}
}

// BoundWorker returns the bound worker id, or -1 if not yet bound.
func (t *Task) BoundWorker() int { return int(atomic.LoadInt32(&t.boundWorker)) }

// PinnedWorker returns the descriptor's pin hint, if any.
func (t *Task) PinnedWorker() (int, bool) {
	if t.descriptor.Pinned == nil {
		return 0, false
	}
	return *t.descriptor.Pinned, true
}

// Label returns the descriptor's diagnostic label.
func (t *Task) Label() string { return t.descriptor.Label }

// Resume performs the context switch into the task, marking it running
// for the duration. Returns the task's next request, or (nil, true, err)
// once the task body has returned/panicked.
func (t *Task) Resume(resp Response) (req Request, finished bool, err error) {
	t.setState(StateRunning)
	r, fin, ferr := t.ctx.Resume(resp)
	if !fin {
		req, _ = r.(Request)
	}
	return req, fin, ferr
}

// RunCleanupOnSuccess runs the success-path callback sequence: TLS
// destructors (owning worker only), then OnComplete, then OnCleanup —
// spec §4.3: "Cleanup releases TLS first..., then invokes on_complete or
// on_abort, then on_cleanup."
func (t *Task) RunCleanupOnSuccess() {
	t.setState(StateFinalized)
	t.runTLSDestructors()
	if t.descriptor.OnComplete != nil {
		t.descriptor.OnComplete()
	}
	if t.descriptor.OnCleanup != nil {
		t.descriptor.OnCleanup()
	}
}

// RunCleanupOnAbort mirrors RunCleanupOnSuccess for the abort path.
func (t *Task) RunCleanupOnAbort(cause error) {
	t.panicErr = cause
	t.setState(StateFinalized)
	t.runTLSDestructors()
	if t.descriptor.OnAbort != nil {
		t.descriptor.OnAbort(cause)
	}
	if t.descriptor.OnCleanup != nil {
		t.descriptor.OnCleanup()
	}
}

func (t *Task) runTLSDestructors() {
	t.tlsMu.Lock()
	entries := t.tls
	t.tls = nil
	t.tlsMu.Unlock()
	for _, e := range entries {
		if e.destructor != nil {
			e.destructor(e.value)
		}
	}
}

// ReleaseStack releases the task's stack back to its pool. Must be called
// strictly after every callback has run (spec §3: "the stack is released
// after all callbacks have run").
func (t *Task) ReleaseStack(pool *stack.Pool) {
	if t.stk == nil {
		return
	}
	pool.Release(t.stk)
	t.stk = nil
}

// PanicError returns the abort cause, if the task was aborted.
func (t *Task) PanicError() error { return t.panicErr }

// API is the task-side primitive surface (spec §6 "Task-side API"),
// handed to a task's entry function.
type API struct {
	t *Task
	y *taskctx.Yielder
}

// YieldNow suspends the task, re-enqueueing it onto its worker's local
// deque (spec §4.5 step 4 "Yield").
func (a *API) YieldNow() {
	a.y.Suspend(ReqYield{})
}

// SleepUntil suspends the task until the given deadline (spec's
// sleep_until). A deadline already in the past is observationally
// equivalent to YieldNow (R3), which the worker implements by
// immediately re-queuing rather than inserting into the timeout heap.
func (a *API) SleepUntil(deadline time.Time) {
	a.y.Suspend(ReqWaitUntil{Deadline: deadline})
}

// SleepFor suspends the task for the given duration from now.
func (a *API) SleepFor(d time.Duration) {
	a.SleepUntil(time.Now().Add(d))
}

// WaitBuffer suspends the task until bufferID retires, returning its final
// status (spec's wait_buffer).
func (a *API) WaitBuffer(bufferID uint64) BufferStatus {
	resp := a.y.Suspend(ReqWaitBuffer{BufferID: bufferID})
	if bs, ok := resp.(RespBufferStatus); ok {
		return bs.Status
	}
	return StatusPending
}

// CurrentWorkerID returns the id of the worker currently running this
// task.
func (a *API) CurrentWorkerID() int { return a.t.BoundWorker() }

// TSSGet reads a task-local value previously set with TSSSet.
func (a *API) TSSGet(key any) (any, bool) {
	a.t.tlsMu.Lock()
	defer a.t.tlsMu.Unlock()
	if a.t.tls == nil {
		return nil, false
	}
	e, ok := a.t.tls[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// TSSSet stores a task-local value under key, with an optional destructor
// invoked when the task is cleaned up or the key is cleared.
func (a *API) TSSSet(key, value any, destructor func(any)) {
	a.t.tlsMu.Lock()
	defer a.t.tlsMu.Unlock()
	if a.t.tls == nil {
		a.t.tls = make(map[any]*tlsEntry)
	}
	a.t.tls[key] = &tlsEntry{value: value, destructor: destructor}
}

// TSSClear removes a task-local value, invoking its destructor if one was
// registered.
func (a *API) TSSClear(key any) {
	a.t.tlsMu.Lock()
	e, ok := a.t.tls[key]
	if ok {
		delete(a.t.tls, key)
	}
	a.t.tlsMu.Unlock()
	if ok && e.destructor != nil {
		e.destructor(e.value)
	}
}
