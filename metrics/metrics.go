// Package metrics exposes the ambient Prometheus counters/gauges named in
// SPEC_FULL §10.7, grounded on cuemby-warren's direct use of
// github.com/prometheus/client_golang. These are never wired to an HTTP
// /metrics handler here (that would be the excluded HTTP frontend); the
// registry is a plain exported field so a glue layer can mount it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Scheduler holds the coordinator/worker-facing counters and gauges.
type Scheduler struct {
	Registry *prometheus.Registry

	TasksScheduled prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksAborted   prometheus.Counter
	StealAttempts  prometheus.Counter
	StealSuccesses prometheus.Counter
	WorkersParked  prometheus.Gauge
}

// NewScheduler builds and registers a fresh Scheduler metric set. Each
// worker group should own one (they are not process-wide singletons, to
// keep groups independent per spec §3 "Worker group").
func NewScheduler() *Scheduler {
	reg := prometheus.NewRegistry()
	s := &Scheduler{
		Registry: reg,
		TasksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerun_tasks_scheduled_total",
			Help: "Tasks admitted into the scheduler.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerun_tasks_completed_total",
			Help: "Tasks that ran to completion.",
		}),
		TasksAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerun_tasks_aborted_total",
			Help: "Tasks that aborted (explicit abort or panic).",
		}),
		StealAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerun_steal_attempts_total",
			Help: "Work-stealing attempts across all workers.",
		}),
		StealSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerun_steal_successes_total",
			Help: "Work-stealing attempts that found a task.",
		}),
		WorkersParked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corerun_workers_parked",
			Help: "Workers currently parked waiting for work.",
		}),
	}
	reg.MustRegister(s.TasksScheduled, s.TasksCompleted, s.TasksAborted,
		s.StealAttempts, s.StealSuccesses, s.WorkersParked)
	return s
}

// IncScheduled, IncCompleted and IncAborted are nil-receiver-safe so
// callers can pass a nil *Scheduler when metrics aren't wanted instead of
// guarding every call site.
func (s *Scheduler) IncScheduled() {
	if s != nil {
		s.TasksScheduled.Inc()
	}
}

func (s *Scheduler) IncCompleted() {
	if s != nil {
		s.TasksCompleted.Inc()
	}
}

func (s *Scheduler) IncAborted() {
	if s != nil {
		s.TasksAborted.Inc()
	}
}

func (s *Scheduler) IncStealAttempt() {
	if s != nil {
		s.StealAttempts.Inc()
	}
}

func (s *Scheduler) IncStealSuccess() {
	if s != nil {
		s.StealSuccesses.Inc()
	}
}

func (s *Scheduler) SetWorkersParked(n int) {
	if s != nil {
		s.WorkersParked.Set(float64(n))
	}
}
