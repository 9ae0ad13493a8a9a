// Package telemetry owns the Prometheus collectors and the OpenTelemetry
// tracer provider.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes counted per job.
const (
	OutcomeCreated   = "created"
	OutcomeAdopted   = "adopted"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeRecreated = "recreated"
	OutcomeUpdated   = "updated"
	OutcomeStale     = "stale"
	OutcomeOrphan    = "orphan"
	OutcomeDeleted   = "deleted"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lastRun     *prometheus.GaugeVec
	events      *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buskercal",
			Name:      "job_runs_total",
			Help:      "Job runs by terminal status",
		}, []string{"job", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buskercal",
			Name:      "job_run_duration_seconds",
			Help:      "Wall time of job runs that held the lock",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "buskercal",
			Name:      "job_last_run_timestamp_seconds",
			Help:      "Unix timestamp of the last finished run",
		}, []string{"job", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buskercal",
			Name:      "events_total",
			Help:      "Calendar events handled by outcome",
		}, []string{"job", "outcome"}),
	}
	m.registry.MustRegister(
		m.runs, m.runDuration, m.lastRun, m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(job, status string, finishedAt time.Time, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job, status).Inc()
	m.lastRun.WithLabelValues(job, status).Set(float64(finishedAt.Unix()))
	if d > 0 {
		m.runDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// CountEvents adds n events with the given outcome.
func (m *Metrics) CountEvents(job, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(job, outcome).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
