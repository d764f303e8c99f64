// Package metrics exposes Prometheus collectors for the commit relay pipeline.
//
// Every method is safe to call on a nil *Metrics, so components built
// without metrics need no special casing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "commitrelay"
)

// Attempt outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeRejected     = "rejected"
	OutcomeClientError  = "client_error"
	OutcomeServerError  = "server_error"
	OutcomeNetworkError = "network_error"
)

// Metrics holds all relay collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	DeliveryAttempts *prometheus.CounterVec
	Batches          *prometheus.CounterVec
	CommitsDetected  *prometheus.CounterVec
	QueueEvictions   *prometheus.CounterVec
	QueueDrained     prometheus.Counter

	// Gauges
	QueueDepth          prometheus.Gauge
	ConnectionState     *prometheus.GaugeVec
	ConsecutiveFailures prometheus.Gauge
	WatchersActive      prometheus.Gauge

	// Histograms
	DeliveryLatency prometheus.Histogram
}

// New creates a fresh registry with the relay collectors and the standard
// process and Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	started := time.Now()

	m := &Metrics{
		registry: registry,

		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "HTTP attempts made against the collection service, by outcome",
		}, []string{"endpoint", "outcome"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "batches_total",
			Help:      "Commit batches handled, by project and result",
		}, []string{"project", "result"}),
		CommitsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "commits_detected_total",
			Help:      "Commits extracted from watched repositories",
		}, []string{"project"}),
		QueueEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Queued payloads discarded without delivery, by reason",
		}, []string{"reason"}),
		QueueDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drained_total",
			Help:      "Queued payloads delivered by a drain pass",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Payloads waiting in the retry queue",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "consecutive_failures",
			Help:      "Retryable failures since the last successful exchange",
		}),
		WatchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "active",
			Help:      "Repositories currently watched",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "request_duration_seconds",
			Help:      "Latency of single HTTP attempts",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	registry.MustRegister(
		m.DeliveryAttempts,
		m.Batches,
		m.CommitsDetected,
		m.QueueEvictions,
		m.QueueDrained,
		m.QueueDepth,
		m.ConnectionState,
		m.ConsecutiveFailures,
		m.WatchersActive,
		m.DeliveryLatency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the relay started",
		}, func() float64 { return time.Since(started).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt records one HTTP attempt.
func (m *Metrics) ObserveAttempt(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(endpoint, outcome).Inc()
	m.DeliveryLatency.Observe(d.Seconds())
}

// SetConnection publishes the connection state and failure counter.
func (m *Metrics) SetConnection(state string, consecutiveFailures int) {
	if m == nil {
		return
	}
	for _, s := range []string{"connected", "connecting", "disconnected"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
	m.ConsecutiveFailures.Set(float64(consecutiveFailures))
}

// BatchHandled counts a batch by its result ("delivered" or "queued").
func (m *Metrics) BatchHandled(project, result string) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(project, result).Inc()
}

// CommitsSeen counts commits extracted for a project.
func (m *Metrics) CommitsSeen(project string, n int) {
	if m == nil {
		return
	}
	m.CommitsDetected.WithLabelValues(project).Add(float64(n))
}

// Evicted counts queue items discarded for reason.
func (m *Metrics) Evicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueEvictions.WithLabelValues(reason).Add(float64(n))
}

// Drained counts queue items delivered by a drain pass.
func (m *Metrics) Drained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDrained.Add(float64(n))
}

// SetQueueDepth publishes the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetWatchers publishes the number of running watchers.
func (m *Metrics) SetWatchers(n int) {
	if m == nil {
		return
	}
	m.WatchersActive.Set(float64(n))
}
