// Package metrics exposes nudge and task-engine activity as Prometheus
// metrics and serves them over HTTP next to /healthz and optional pprof.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livenudge"

type Metrics struct {
	Registry *prometheus.Registry

	TaskDuration    *prometheus.HistogramVec
	TasksDropped    *prometheus.CounterVec
	TimersArmed     *prometheus.CounterVec
	TimersCancelled *prometheus.CounterVec
	NudgeEvents     *prometheus.CounterVec
	SilenceChecks   *prometheus.CounterVec
	SweepRepaired   prometheus.Counter
	PlansRestored   prometheus.Counter
}

// New registers every metric on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task engine run time by task family and outcome.",
			Buckets:   []float64{.005, .025, .1, .25, 1, 2.5, 10, 30, 120},
		}, []string{"task", "outcome"}),
		TasksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Tasks dropped before running.",
		}, []string{"task", "reason"}),
		TimersArmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_armed_total",
			Help:      "Per-user timers armed.",
		}, []string{"kind"}),
		TimersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_cancelled_total",
			Help:      "Per-user timers cancelled before firing.",
		}, []string{"kind"}),
		NudgeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudge_events_total",
			Help:      "Nudge lifecycle events.",
		}, []string{"event", "reason"}),
		SilenceChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_checks_total",
			Help:      "Silence checks by result.",
		}, []string{"result"}),
		SweepRepaired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_repaired_total",
			Help:      "Users re-planned by the recovery sweeper.",
		}),
		PlansRestored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_restored_total",
			Help:      "Pending plans re-armed at start.",
		}),
	}
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}
