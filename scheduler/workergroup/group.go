// Package workergroup is the public submission surface spec §5 describes:
// submit, wait_buffer, group_query, group_spawn, group_shutdown. It wires
// together every other scheduler/* package into one runnable worker group.
//
// Grounded on the teacher's supervisor.Coordinator, which likewise owns a
// fixed pool of worker goroutines plus one extra bookkeeping goroutine, and
// on golang.org/x/sync/errgroup for the pool supervision itself — pulled
// indirectly by the teacher's own module graph and the idiomatic ecosystem
// choice for "N goroutines, first error or clean shutdown wins" wherever
// the pack reaches for it, in place of a hand-rolled sync.WaitGroup.
package workergroup

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/corerun/logging"
	"github.com/nmxmxh/corerun/metrics"
	"github.com/nmxmxh/corerun/scheduler/buffer"
	"github.com/nmxmxh/corerun/scheduler/coordinator"
	"github.com/nmxmxh/corerun/scheduler/queue"
	"github.com/nmxmxh/corerun/scheduler/stack"
	"github.com/nmxmxh/corerun/scheduler/task"
	"github.com/nmxmxh/corerun/scheduler/worker"
)

var log = logging.For("scheduler.workergroup")

// Config configures a worker group at spawn time (spec §5 group_spawn
// parameters: name, visible, workers, default_stack, stack_classes).
type Config struct {
	Name    string
	Visible bool

	// Workers is the fixed OS-thread count; 0 defaults to runtime.NumCPU().
	Workers int
	// StealBatch bounds how many items a steal from the global injector
	// takes at once; 0 uses queue.Set's default.
	StealBatch int

	StackSizes         []int
	StackMaxPerClass   int
	StackMaxTotalBytes int64

	// TickInterval is how often the dedicated coordinator goroutine drains
	// the timeout heap; 0 defaults to 2ms.
	TickInterval time.Duration
}

// Group is one running worker group: a fixed pool of worker OS threads plus
// one coordinator goroutine, sharing a queue topology, stack pool, and
// metric set (spec §3 "Worker group").
type Group struct {
	Name    string
	Visible bool

	numWorkers int
	queues     *queue.Set
	notifier   *queue.Notifier
	stacks     *stack.Pool
	metrics    *metrics.Scheduler
	coord      *coordinator.Coordinator
	workers    []*worker.Worker
	parked     atomic.Int64

	eg       *errgroup.Group
	stopTick chan struct{}
	tickDone chan struct{}
}

// Spawn starts a new worker group: it allocates the queue topology, stack
// pool, and coordinator, then launches Workers workers, each on its own
// locked OS thread (spec §5 group_spawn, §3 "a fixed count of OS threads"),
// plus one dedicated ticking goroutine that is not locked to a thread.
func Spawn(cfg Config) *Group {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 2 * time.Millisecond
	}

	queues := queue.NewSet(n, cfg.StealBatch)
	notifier := queue.NewNotifier(n)
	stacks := stack.New(stack.Config{
		Sizes:         cfg.StackSizes,
		MaxPerClass:   cfg.StackMaxPerClass,
		MaxTotalBytes: cfg.StackMaxTotalBytes,
	})
	m := metrics.NewScheduler()
	coord := coordinator.New(n, queues, notifier, stacks, m)

	g := &Group{
		Name:       cfg.Name,
		Visible:    cfg.Visible,
		numWorkers: n,
		queues:     queues,
		notifier:   notifier,
		stacks:     stacks,
		metrics:    m,
		coord:      coord,
		workers:    make([]*worker.Worker, n),
		stopTick:   make(chan struct{}),
		tickDone:   make(chan struct{}),
	}

	var eg errgroup.Group
	for i := 0; i < n; i++ {
		w := worker.New(i, queues, notifier, coord, stacks, m, &g.parked)
		g.workers[i] = w
		eg.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			w.Run()
			return nil
		})
	}
	g.eg = &eg

	go g.tickLoop(tick)

	log.Info().Str("group", cfg.Name).Int("workers", n).Msg("worker group spawned")
	register(g)
	return g
}

func (g *Group) tickLoop(interval time.Duration) {
	defer close(g.tickDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			g.coord.Tick()
		case <-g.stopTick:
			return
		}
	}
}

// Submit admits a new command buffer built from descriptors (spec's
// submit()). Returns a Handle usable to await the buffer's outcome.
func (g *Group) Submit(descriptors []task.Descriptor) (*Handle, error) {
	buf := buffer.New(descriptors)
	if err := g.coord.EnqueueCommandBuffer(buf); err != nil {
		return nil, err
	}
	return &Handle{group: g, buf: buf}, nil
}

// Shutdown requests a graceful drain (spec's group_shutdown()): no new
// buffers are admitted, and workers exit once every live buffer has
// retired. It does not block; call Wait to block until the group has
// fully drained and every worker goroutine has returned.
func (g *Group) Shutdown() {
	g.coord.RequestShutdown()
}

// Wait blocks until every worker has exited (which happens once Shutdown
// has been called and the last live buffer retires), then stops the
// coordinator's tick goroutine and deregisters the group.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	close(g.stopTick)
	<-g.tickDone
	unregister(g)
	return err
}

// LiveBuffers reports the number of command buffers not yet fully retired.
func (g *Group) LiveBuffers() int64 { return g.coord.LiveBuffers() }

// Metrics returns the group's Prometheus metric set.
func (g *Group) Metrics() *metrics.Scheduler { return g.metrics }

// NumWorkers returns the fixed worker count this group was spawned with.
func (g *Group) NumWorkers() int { return g.numWorkers }

// Handle refers to one submitted command buffer (spec's command buffer
// handle returned from submit()).
type Handle struct {
	group *Group
	buf   *buffer.Buffer
}

// ID returns the underlying command buffer's id.
func (h *Handle) ID() uint64 { return h.buf.ID }

// Wait blocks until the buffer retires and returns its final status (spec's
// wait_buffer(handle, from_task?)). Pass the calling task's *task.API when
// waiting from within a task running in this same group — the task
// suspends instead of blocking its worker thread. Pass nil from any
// external (non-task) goroutine, which blocks on a channel instead.
func (h *Handle) Wait(fromTask *task.API) task.BufferStatus {
	if fromTask != nil {
		return fromTask.WaitBuffer(h.buf.ID)
	}
	return <-h.buf.AddWaiter()
}

// Status returns the buffer's current status without waiting.
func (h *Handle) Status() task.BufferStatus { return h.buf.Status() }

// Retired reports whether every task in the buffer has finalized.
func (h *Handle) Retired() bool { return h.buf.Retired() }

var (
	registryMu sync.Mutex
	registry   = map[string]*Group{}
)

func register(g *Group) {
	if !g.Visible {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[g.Name] = g
}

func unregister(g *Group) {
	if !g.Visible {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, g.Name)
}

// Query lists every currently visible group (spec's group_query()).
func Query() []*Group {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]*Group, 0, len(registry))
	for _, g := range registry {
		out = append(out, g)
	}
	return out
}

// Lookup finds a visible group by name.
func Lookup(name string) (*Group, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	g, ok := registry[name]
	return g, ok
}
