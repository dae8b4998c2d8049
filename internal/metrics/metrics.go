// Package metrics exposes task manager activity as prometheus collectors.
//
// Every [Metrics] owns its own registry so several managers can live in one
// process (and one test binary) without duplicate registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpool"

// WorkerSource reports pool occupancy for the worker gauges.
type WorkerSource interface {
	MaxWorkers() int
	OccupiedWorkers() int
}

// Metrics records claim loop passes and task runs.
type Metrics struct {
	registry *prometheus.Registry

	passesTotal   *prometheus.CounterVec
	passDuration  prometheus.Histogram
	claimedTotal  prometheus.Counter
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	notifications prometheus.Counter
}

// New registers the collectors on a fresh registry. workers may be nil.
func New(workers WorkerSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		passesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fill",
				Name:      "passes_total",
				Help:      "Claim loop invocations by stop reason.",
			},
			[]string{"stop_reason"},
		),
		passDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "fill",
				Name:      "pass_duration_seconds",
				Help:      "Duration of a claim loop invocation.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		claimedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fill",
				Name:      "claimed_tasks_total",
				Help:      "Tasks claimed from the store.",
			},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "runs_total",
				Help:      "Finished task runs by type and outcome.",
			},
			[]string{"task_type", "outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "task",
				Name:      "run_duration_seconds",
				Help:      "Task execution latency.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"task_type"},
		),
		notifications: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "received_total",
				Help:      "Work-available notifications received from peers.",
			},
		),
	}

	if workers != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "max_workers",
				Help:      "Worker capacity of the pool.",
			},
			func() float64 { return float64(workers.MaxWorkers()) },
		)
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "occupied_workers",
				Help:      "Workers currently running a task.",
			},
			func() float64 { return float64(workers.OccupiedWorkers()) },
		)
	}

	return m
}

// ObservePass records one claim loop invocation.
func (m *Metrics) ObservePass(stopReason string, d time.Duration) {
	if m == nil {
		return
	}
	m.passesTotal.WithLabelValues(stopReason).Inc()
	m.passDuration.Observe(d.Seconds())
}

// AddClaimed counts tasks returned by a claim.
func (m *Metrics) AddClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimedTotal.Add(float64(n))
}

// ObserveRun records one finished task run.
func (m *Metrics) ObserveRun(taskType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(taskType, outcome).Inc()
	m.runDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// IncNotifications counts a received peer notification.
func (m *Metrics) IncNotifications() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
