package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing scheduler activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	running       prometheus.Gauge
	pending       prometheus.Gauge
	finished      *prometheus.CounterVec
	retries       prometheus.Counter
	spawnFailures prometheus.Counter
}

// MustNewMetrics creates the scheduler collectors and registers them with reg.
// Registration errors panic, matching promauto. Tests should pass a fresh
// prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "droidrunner",
			Name:      "tasks_running",
			Help:      "Number of droid processes currently running.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "droidrunner",
			Name:      "tasks_pending",
			Help:      "Number of tasks waiting for admission.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "droidrunner",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "droidrunner",
			Name:      "task_retries_total",
			Help:      "Automatic retries scheduled after a non-zero exit.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "droidrunner",
			Name:      "spawn_failures_total",
			Help:      "Droid processes that failed to start.",
		}),
	}
	reg.MustRegister(m.running, m.pending, m.finished, m.retries, m.spawnFailures)
	return m
}

func (m *Metrics) setQueue(running, pending int) {
	if m == nil {
		return
	}
	m.running.Set(float64(running))
	m.pending.Set(float64(pending))
}

func (m *Metrics) incFinished(status TaskStatus) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) incRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) incSpawnFailure() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}
