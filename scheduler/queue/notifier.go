package queue

import (
	"sync"
	"time"
)

// Notifier implements the per-group "condition variable" spec §4.4
// describes: "Parking uses a per-group condition variable; enqueue
// operations notify it. Waking is unconditional broadcast on new work,
// targeted unpark on pinned enqueue." Grounded on the
// register-waiter-channel / non-blocking-broadcast idiom in the teacher's
// kernel/threads/foundation.EnhancedEpoch (WaitForChange/notifyWaiters),
// adapted from an epoch counter to a plain wake signal.
type Notifier struct {
	mu        sync.Mutex
	waiters   []chan struct{}
	perWorker []chan struct{}
}

// NewNotifier builds a Notifier for a group of numWorkers.
func NewNotifier(numWorkers int) *Notifier {
	pw := make([]chan struct{}, numWorkers)
	for i := range pw {
		pw[i] = make(chan struct{}, 1)
	}
	return &Notifier{perWorker: pw}
}

// WakeAll broadcasts to every currently parked worker (spec: "unconditional
// broadcast on new work").
func (n *Notifier) WakeAll() {
	n.mu.Lock()
	waiters := n.waiters
	n.waiters = nil
	n.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WakeWorker targets one worker directly — used on a pinned enqueue (spec:
// "targeted unpark on pinned enqueue") so a parked worker wakes even
// though its peers have no reason to.
func (n *Notifier) WakeWorker(id int) {
	select {
	case n.perWorker[id] <- struct{}{}:
	default:
	}
}

// Park blocks the calling worker until woken (by WakeAll or a targeted
// WakeWorker) or until timeout elapses, whichever comes first. A bounded
// timeout is used rather than an unbounded wait so the worker periodically
// re-checks its queues and the shutdown flag even if no wake signal ever
// arrives.
func (n *Notifier) Park(id int, timeout time.Duration) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.waiters = append(n.waiters, ch)
	n.mu.Unlock()
	defer n.removeWaiter(ch)

	select {
	case <-ch:
	case <-n.perWorker[id]:
	case <-time.After(timeout):
	}
}

func (n *Notifier) removeWaiter(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, w := range n.waiters {
		if w == ch {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return
		}
	}
}
