// Package coordinator implements C6: the scheduler coordinator. It owns
// the wait graph, the timeout heap, and the command-buffer table, and is
// the only place spec §4.6's entry points live. Grounded stylistically on
// the teacher's kernel/threads/supervisor.Coordinator (one struct, one
// mutex, a map of tracked entities, plain methods — no actor mailbox).
package coordinator

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/corerun/errs"
	"github.com/nmxmxh/corerun/logging"
	"github.com/nmxmxh/corerun/metrics"
	"github.com/nmxmxh/corerun/scheduler/buffer"
	"github.com/nmxmxh/corerun/scheduler/queue"
	"github.com/nmxmxh/corerun/scheduler/stack"
	"github.com/nmxmxh/corerun/scheduler/task"
)

var log = logging.For("scheduler.coordinator")

// Coordinator owns the cross-task state of one worker group: the wait
// graph, the timeout heap, and the buffer table (spec §3 "Worker group" /
// §4.6).
type Coordinator struct {
	queues   *queue.Set
	notifier *queue.Notifier
	stacks   *stack.Pool
	metrics  *metrics.Scheduler
	numW     int

	mu          sync.Mutex
	buffers     map[uint64]*buffer.Buffer
	waitGraph   map[uint64][]task.ID // bufferID -> waiting task ids (from-task waits only)
	tasksByID   map[task.ID]*task.Task
	timeouts    timeoutHeap
	liveBuffers int64

	shutdown atomic.Bool
}

// New builds a Coordinator bound to one queue topology, stack pool, and
// worker count.
func New(numWorkers int, queues *queue.Set, notifier *queue.Notifier, stacks *stack.Pool, m *metrics.Scheduler) *Coordinator {
	return &Coordinator{
		queues:    queues,
		notifier:  notifier,
		stacks:    stacks,
		metrics:   m,
		numW:      numWorkers,
		buffers:   make(map[uint64]*buffer.Buffer),
		waitGraph: make(map[uint64][]task.ID),
		tasksByID: make(map[task.ID]*task.Task),
	}
}

// DefaultStackClass is the default descriptor->stack-class policy: every task
// gets the smallest configured class. Exposed as a var so tests/callers
// can override sizing policy without forking the coordinator.
var DefaultStackClass = stack.Class(0)

// EnqueueCommandBuffer admits buf: validates it, allocates a task object
// and a stack per descriptor, attaches them to the buffer, and pushes each
// task onto the appropriate queue (spec §4.6 enqueue_command_buffer, data
// flow in spec §2).
func (c *Coordinator) EnqueueCommandBuffer(buf *buffer.Buffer) error {
	if c.shutdown.Load() {
		return errs.ResourceBusy("group is shutting down")
	}
	for _, d := range buf.Descriptors {
		if d.Entry == nil {
			return errs.InvalidArgument("task descriptor has no entry function")
		}
		if d.Pinned != nil && (*d.Pinned < 0 || *d.Pinned >= c.numW) {
			return errs.InvalidArgument("pinned worker out of range")
		}
	}

	tasks := make([]*task.Task, len(buf.Descriptors))
	for i, d := range buf.Descriptors {
		class := DefaultStackClass
		stk, err := c.stacks.Acquire(class, false)
		if err != nil {
			// B4: stack acquisition under memory pressure returns
			// ENOMEM and the task is never enqueued. Release whatever
			// stacks this partial admission already acquired.
			for _, t := range tasks[:i] {
				t.ReleaseStack(c.stacks)
			}
			return err
		}
		t := task.New(task.NextID(), buf.ID, i, d, stk)
		tasks[i] = t
	}

	buf.Attach(tasks)

	c.mu.Lock()
	c.buffers[buf.ID] = buf
	for _, t := range tasks {
		c.tasksByID[t.ID] = t
	}
	c.liveBuffers++
	c.mu.Unlock()

	log.Debug().Uint64("buffer", buf.ID).Int("tasks", len(tasks)).Msg("buffer admitted")

	if buf.Retired() {
		// B1: empty buffer retired synchronously in Attach; still must
		// drop the live-buffer count we just added.
		c.onBufferRetired(buf.ID)
		return nil
	}

	for _, t := range tasks {
		c.metrics.IncScheduled()
		item := queue.Item{Task: t, Resp: task.RespNone{}}
		if w, ok := t.PinnedWorker(); ok {
			c.queues.PushPinned(w, item)
			c.notifier.WakeWorker(w)
		} else {
			c.queues.PushGlobal(item)
			c.notifier.WakeAll()
		}
	}
	return nil
}

// OnTaskFinalized removes t from any wait bookkeeping and, if it was the
// last live task in its buffer, retires the buffer (spec §4.6
// on_task_finalized). aborted indicates whether t completed or aborted.
func (c *Coordinator) OnTaskFinalized(t *task.Task, aborted bool) {
	if aborted {
		c.metrics.IncAborted()
	} else {
		c.metrics.IncCompleted()
	}

	c.mu.Lock()
	buf := c.buffers[t.BufferID]
	delete(c.tasksByID, t.ID)
	c.mu.Unlock()

	if buf == nil {
		return
	}
	if buf.MarkTaskFinalized(aborted) {
		c.onBufferRetired(buf.ID)
	}
}

// onBufferRetired performs the bookkeeping shared by every path that
// retires a buffer: wake any tasks that suspended waiting on it, and
// drop the group's live-buffer count.
func (c *Coordinator) onBufferRetired(bufferID uint64) {
	c.mu.Lock()
	waiters := c.waitGraph[bufferID]
	delete(c.waitGraph, bufferID)
	buf := c.buffers[bufferID]
	c.liveBuffers--
	c.mu.Unlock()

	if buf == nil {
		return
	}
	status := buf.Status()
	for _, tid := range waiters {
		c.requeueTaskLocked(tid, task.RespBufferStatus{Status: status})
	}
	log.Debug().Uint64("buffer", bufferID).Str("status", status.String()).Msg("buffer retired")
}

func (c *Coordinator) requeueTaskLocked(tid task.ID, resp task.Response) {
	c.mu.Lock()
	t, ok := c.tasksByID[tid]
	c.mu.Unlock()
	if !ok {
		return
	}
	item := queue.Item{Task: t, Resp: resp}
	if w, ok := t.PinnedWorker(); ok {
		c.queues.PushPinned(w, item)
		c.notifier.WakeWorker(w)
		return
	}
	// Re-queue on the worker the task is bound to so a woken task keeps
	// warm affinity; fall back to the global injector if unbound.
	if bw := t.BoundWorker(); bw >= 0 {
		c.queues.PushLocal(bw, item)
		c.notifier.WakeWorker(bw)
		return
	}
	c.queues.PushGlobal(item)
	c.notifier.WakeAll()
}

// OnTaskWaitUntil inserts t into the timeout heap (spec §4.6
// on_task_wait_until). The worker has already handled the already-elapsed
// case locally (spec §4.5 step 4), so every call here is a genuine future
// deadline.
func (c *Coordinator) OnTaskWaitUntil(t *task.Task, deadline time.Time) {
	c.mu.Lock()
	heap.Push(&c.timeouts, &timeoutEntry{deadline: deadline, t: t})
	c.mu.Unlock()
}

// OnTaskWaitBuffer registers t as waiting on bufferID (spec §4.6
// on_task_wait_buffer). The worker forwards every wait-buffer request here
// without checking the buffer itself, so this is the only place an
// already-retired buffer is detected: t is then re-queued immediately with
// the buffer's status instead of being registered. An unknown buffer id
// re-queues t with StatusAborted.
func (c *Coordinator) OnTaskWaitBuffer(t *task.Task, bufferID uint64) {
	c.mu.Lock()
	buf, ok := c.buffers[bufferID]
	if !ok {
		c.mu.Unlock()
		c.requeueTaskLocked(t.ID, task.RespBufferStatus{Status: task.StatusAborted})
		return
	}
	if buf.Retired() {
		c.mu.Unlock()
		c.requeueTaskLocked(t.ID, task.RespBufferStatus{Status: buf.Status()})
		return
	}
	c.waitGraph[bufferID] = append(c.waitGraph[bufferID], t.ID)
	c.mu.Unlock()
}

// Tick drains every timeout entry whose deadline has passed, re-queueing
// each task with a RespTimeoutFired response (spec §4.6 tick()). Workers
// do not call it; the worker group's dedicated tick goroutine calls it on
// every tick interval.
func (c *Coordinator) Tick() {
	now := time.Now()
	var fired []task.ID
	c.mu.Lock()
	for c.timeouts.Len() > 0 && !c.timeouts[0].deadline.After(now) {
		e := heap.Pop(&c.timeouts).(*timeoutEntry)
		fired = append(fired, e.t.ID)
	}
	c.mu.Unlock()
	for _, tid := range fired {
		c.requeueTaskLocked(tid, task.RespTimeoutFired{})
	}
}

// RequestShutdown sets the shutdown flag (spec §4.6 request_shutdown).
// Workers observe it and exit once the live-buffer counter reaches zero.
func (c *Coordinator) RequestShutdown() {
	c.shutdown.Store(true)
	c.notifier.WakeAll()
}

// ShuttingDown reports whether shutdown has been requested.
func (c *Coordinator) ShuttingDown() bool { return c.shutdown.Load() }

// LiveBuffers returns the number of buffers not yet fully retired.
func (c *Coordinator) LiveBuffers() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveBuffers
}

// CanExit reports the worker shutdown condition from spec §4.5 step 5:
// "shutdown flag set and no live command buffers."
func (c *Coordinator) CanExit() bool {
	return c.shutdown.Load() && c.LiveBuffers() == 0
}

// --- timeout heap -----------------------------------------------------

type timeoutEntry struct {
	deadline time.Time
	t        *task.Task
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x interface{}) { *h = append(*h, x.(*timeoutEntry)) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
