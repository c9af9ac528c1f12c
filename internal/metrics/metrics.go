// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of all Prometheus metrics.
type Metrics struct {
	ContainersRunning prometheus.Gauge
	ExploitsLoaded    prometheus.Gauge
	TasksScheduled    prometheus.Counter
	TasksReported     *prometheus.CounterVec
	FlagsSubmitted    *prometheus.CounterVec
	ScansTotal        prometheus.Counter
	ScanErrors        prometheus.Counter
	ReconcileDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ContainersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fireball_containers_running",
		Help: "Number of managed containers currently running",
	})

	m.ExploitsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fireball_exploits_loaded",
		Help: "Number of exploits in the catalog",
	})

	m.TasksScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireball_tasks_scheduled_total",
		Help: "Total number of tasks scheduled across all ticks",
	})

	m.TasksReported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fireball_tasks_reported_total",
		Help: "Total number of task outcomes reported upstream",
	}, []string{"status"})

	m.FlagsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fireball_flags_submitted_total",
		Help: "Total number of flag submissions by normalized result",
	}, []string{"result"})

	m.ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireball_repo_scans_total",
		Help: "Total number of repository scans",
	})

	m.ScanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fireball_repo_scan_errors_total",
		Help: "Total number of failed repository scans",
	})

	m.ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fireball_reconcile_duration_seconds",
		Help:    "Duration of reconciler iterations in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		m.ContainersRunning,
		m.ExploitsLoaded,
		m.TasksScheduled,
		m.TasksReported,
		m.FlagsSubmitted,
		m.ScansTotal,
		m.ScanErrors,
		m.ReconcileDuration,
	)

	return m
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
