// Package buffer implements C7: the command buffer, the unit of
// submission grouping an ordered, immutable list of task descriptors with
// shared completion status. Grounded on spec §3/§4.7 and on the
// strong-ref-count bookkeeping style the teacher uses throughout
// kernel/threads/supervisor (e.g. ChildSupervisor.restarts, CreditSupervisor
// balances) — a plain struct field mutated under one mutex, not a
// dedicated actor.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/corerun/scheduler/task"
)

var idCounter uint64

// NextID hands out the next command-buffer id.
func NextID() uint64 { return atomic.AddUint64(&idCounter, 1) }

// Buffer is one submitted command buffer (spec §3 "Command buffer").
// Descriptors is immutable once the coordinator has admitted the buffer.
type Buffer struct {
	ID          uint64
	Descriptors []task.Descriptor

	mu         sync.Mutex
	tasks      []*task.Task
	live       int64 // count of still-live (not finalized) tasks
	anyAborted bool
	status     task.BufferStatus
	retired    bool
	waiters    []chan task.BufferStatus
}

// New builds an unsubmitted buffer from an ordered descriptor list. The
// descriptor list becomes immutable the moment the buffer is admitted by
// the coordinator (spec §4.7).
func New(descriptors []task.Descriptor) *Buffer {
	return &Buffer{
		ID:          NextID(),
		Descriptors: descriptors,
		status:      task.StatusPending,
	}
}

// Attach records the concrete *task.Task objects the coordinator created
// for this buffer's descriptors, and sets the live-task count. Called
// once, at admission time, before any task runs.
func (b *Buffer) Attach(tasks []*task.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = tasks
	b.live = int64(len(tasks))
	if b.live == 0 {
		// spec B1: an empty buffer retires immediately as succeeded.
		b.retireLocked(false)
	}
}

// Tasks returns the attached task objects.
func (b *Buffer) Tasks() []*task.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks
}

// MarkTaskFinalized records that one of this buffer's tasks has finalized
// (completed or aborted). Once every task has finalized the buffer
// retires: its status flips based on whether any task aborted (spec I1),
// and every registered waiter is woken. Returns true the call that causes
// retirement (so the coordinator can do its own one-shot bookkeeping,
// e.g. decrementing the group's live-buffer counter).
func (b *Buffer) MarkTaskFinalized(aborted bool) (justRetired bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if aborted {
		b.anyAborted = true
	}
	b.live--
	if b.live <= 0 && !b.retired {
		b.retireLocked(b.anyAborted)
		return true
	}
	return false
}

func (b *Buffer) retireLocked(aborted bool) {
	b.retired = true
	if aborted {
		b.status = task.StatusAborted
	} else {
		b.status = task.StatusSucceeded
	}
	for _, w := range b.waiters {
		w <- b.status
	}
	b.waiters = nil
}

// Status returns the buffer's current status (spec §4.7 transitions).
func (b *Buffer) Status() task.BufferStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Retired reports whether every task in the buffer has finalized.
func (b *Buffer) Retired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retired
}

// AddWaiter registers a channel that receives the final status exactly
// once, when the buffer retires. If the buffer is already retired the
// channel is delivered to immediately (spec B2: "wait_buffer on an
// already-retired buffer returns immediately with the stored status").
func (b *Buffer) AddWaiter() <-chan task.BufferStatus {
	ch := make(chan task.BufferStatus, 1)
	b.mu.Lock()
	if b.retired {
		ch <- b.status
		b.mu.Unlock()
		return ch
	}
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()
	return ch
}
