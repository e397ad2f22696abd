// Package queue implements C4: one global injector per worker group, one
// local FIFO deque per worker, and the stealer handles workers use to pull
// from their peers. Grounded on the ring-buffer-with-atomic-head/tail
// idiom in the teacher's kernel/threads/foundation.MessageQueue, adapted
// from a SharedArrayBuffer byte ring into a plain in-process queue of task
// items: the teacher's "lock-free" framing is itself backed by a mutex at
// the SlabCache/Coordinator layer (arena/slab.go, supervisor/coordinator.go),
// so this package follows the same real trade-off — a single
// low-contention mutex per queue rather than a hand-rolled Chase-Lev
// work-stealing deque, which would need atomics this package does not
// attempt to get right without being able to run a race detector.
package queue

import (
	"sync"

	"github.com/nmxmxh/corerun/scheduler/task"
)

// Item pairs a task with the response payload it should be resumed with
// the next time a worker dequeues it (spec §4.4: "(task ptr, pending
// response) pairs").
type Item struct {
	Task *task.Task
	Resp task.Response
}

// Injector is the group-wide MPMC queue any worker may steal from (spec
// §4.4 "global injector"). Also reused, one per worker, as that worker's
// pinned-task overflow queue (spec §4.4 step (1)).
type Injector struct {
	mu    sync.Mutex
	items []Item
}

// NewInjector builds an empty injector.
func NewInjector() *Injector { return &Injector{} }

// Push appends an item to the tail.
func (inj *Injector) Push(it Item) {
	inj.mu.Lock()
	inj.items = append(inj.items, it)
	inj.mu.Unlock()
}

// TryPop removes and returns the item at the head, if any.
func (inj *Injector) TryPop() (Item, bool) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if len(inj.items) == 0 {
		return Item{}, false
	}
	it := inj.items[0]
	inj.items = inj.items[1:]
	return it, true
}

// StealBatch removes up to max items from the head for a stealer to place
// on its local deque (spec §4.4: "stealing is steal-batch-and-pop").
func (inj *Injector) StealBatch(max int) []Item {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if len(inj.items) == 0 {
		return nil
	}
	n := max
	if n > len(inj.items) {
		n = len(inj.items)
	}
	batch := make([]Item, n)
	copy(batch, inj.items[:n])
	inj.items = inj.items[n:]
	return batch
}

// Len reports the current depth, for metrics (SPEC_FULL §10.7) and tests.
func (inj *Injector) Len() int {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return len(inj.items)
}

// Deque is one worker's local, FIFO-for-the-owner work queue. Peers steal
// a single element from the opposite end (spec §4.4: "FIFO locally,
// stealing is steal-batch-and-pop" / §4.4 step (4): "single-element steal
// from each peer").
type Deque struct {
	mu    sync.Mutex
	items []Item
}

// NewDeque builds an empty local deque.
func NewDeque() *Deque { return &Deque{} }

// PushBack enqueues onto the tail — the owner's normal push path (a
// yielded task re-enqueues here, spec §4.5 step 4 "Yield").
func (d *Deque) PushBack(it Item) {
	d.mu.Lock()
	d.items = append(d.items, it)
	d.mu.Unlock()
}

// PushFrontBatch prepends a stolen batch so the owner drains it before
// anything it already had queued, keeping the batch's relative order.
func (d *Deque) PushFrontBatch(batch []Item) {
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	d.items = append(append([]Item{}, batch...), d.items...)
	d.mu.Unlock()
}

// PopFront removes and returns the head item — the owner's normal pop
// path, giving local FIFO order.
func (d *Deque) PopFront() (Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return Item{}, false
	}
	it := d.items[0]
	d.items = d.items[1:]
	return it, true
}

// StealOne removes and returns the tail item, for a peer's single-element
// steal (spec §4.4 step (4)).
func (d *Deque) StealOne() (Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return Item{}, false
	}
	it := d.items[n-1]
	d.items = d.items[:n-1]
	return it, true
}

// Len reports current depth.
func (d *Deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Set is the full per-group queue topology: one global injector, one
// local deque and one pinned-overflow injector per worker.
type Set struct {
	Global   *Injector
	Locals   []*Deque
	Overflow []*Injector

	stealBatch int
	next       []int // round-robin steal cursor, one per worker
}

// NewSet builds the queue topology for a group of numWorkers.
func NewSet(numWorkers, stealBatch int) *Set {
	if stealBatch <= 0 {
		stealBatch = 32
	}
	s := &Set{
		Global:     NewInjector(),
		Locals:     make([]*Deque, numWorkers),
		Overflow:   make([]*Injector, numWorkers),
		stealBatch: stealBatch,
		next:       make([]int, numWorkers),
	}
	for i := 0; i < numWorkers; i++ {
		s.Locals[i] = NewDeque()
		s.Overflow[i] = NewInjector()
	}
	return s
}

// PushPinned enqueues a task pinned to workerID, via that worker's
// overflow injector.
func (s *Set) PushPinned(workerID int, it Item) {
	s.Overflow[workerID].Push(it)
}

// PushLocal enqueues onto workerID's own local deque.
func (s *Set) PushLocal(workerID int, it Item) {
	s.Locals[workerID].PushBack(it)
}

// PushGlobal enqueues onto the shared injector (an unbound task's first
// placement, or the coordinator's cross-worker wake path).
func (s *Set) PushGlobal(it Item) {
	s.Global.Push(it)
}

// Dequeue implements the worker dequeue order from spec §4.4/§4.5 step 1:
// (1) the worker's own pinned overflow, (2) its local FIFO deque, (3)
// steal-batch-and-pop from the global injector, (4) single-element steal
// from each peer in round robin. Returns ok=false if all four missed.
func (s *Set) Dequeue(workerID int) (Item, bool) {
	if it, ok := s.Overflow[workerID].TryPop(); ok {
		return it, true
	}
	if it, ok := s.Locals[workerID].PopFront(); ok {
		return it, true
	}
	if batch := s.Global.StealBatch(s.stealBatch); len(batch) > 0 {
		head := batch[0]
		rest := batch[1:]
		s.Locals[workerID].PushFrontBatch(rest)
		return head, true
	}
	n := len(s.Locals)
	for i := 0; i < n-1; i++ {
		peer := (workerID + 1 + (s.next[workerID]+i)%(n-1)) % n
		if peer == workerID {
			continue
		}
		if it, ok := s.Locals[peer].StealOne(); ok {
			s.next[workerID] = (s.next[workerID] + i + 1) % (n - 1)
			return it, true
		}
	}
	return Item{}, false
}

// AnyWork reports whether any queue in the set currently has a runnable
// item.
func (s *Set) AnyWork() bool {
	if s.Global.Len() > 0 {
		return true
	}
	for _, d := range s.Locals {
		if d.Len() > 0 {
			return true
		}
	}
	for _, o := range s.Overflow {
		if o.Len() > 0 {
			return true
		}
	}
	return false
}
