package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors the kernel exposes on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPDuration observes request latency by method, route and status.
	HTTPDuration *prometheus.HistogramVec
	// JobOutcomes counts terminal job results by task and outcome.
	JobOutcomes *prometheus.CounterVec
	// QueueDepth tracks the ready backlog per queue.
	QueueDepth *prometheus.GaugeVec
	// DBLockRetries counts busy-retry attempts in the storage layer.
	DBLockRetries prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "halyard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halyard",
			Name:      "job_outcomes_total",
			Help:      "Terminal job results.",
		}, []string{"task", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "halyard",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the ready lists.",
		}, []string{"queue"}),
		DBLockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halyard",
			Name:      "db_lock_retries_total",
			Help:      "Database busy retries.",
		}),
	}
	reg.MustRegister(
		m.HTTPDuration, m.JobOutcomes, m.QueueDepth, m.DBLockRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
