// Package metrics holds the Prometheus collectors of the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rkh"

// Metrics is a set of collectors bound to its own registry so tests can
// create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	connectAttempts *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	signDuration    *prometheus.HistogramVec

	submissions        *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec

	governanceActions *prometheus.CounterVec

	registryRefreshes    *prometheus.CounterVec
	registryApplications prometheus.Gauge
}

// New creates and registers all collectors. withRuntime adds the Go and
// process collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),

		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Wallet connection attempts by connector and result.",
		}, []string{"connector", "result"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a wallet session is active.",
		}),
		signDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sign_duration_seconds",
			Help:      "Time from sign request to signature, including operator confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		}, []string{"connector", "result"}),

		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "submissions_total",
			Help:      "Verifier transaction submissions by kind and result.",
		}, []string{"kind", "result"}),
		submissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "submission_duration_seconds",
			Help:      "Duration of verifier transaction submissions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),

		governanceActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governance",
			Name:      "actions_total",
			Help:      "Executed governance actions by operation and result.",
		}, []string{"operation", "result"}),

		registryRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refreshes_total",
			Help:      "Application registry snapshot refreshes by result.",
		}, []string{"result"}),
		registryApplications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "applications",
			Help:      "Applications in the latest registry snapshot.",
		}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.connectAttempts,
		m.sessionActive,
		m.signDuration,
		m.submissions,
		m.submissionDuration,
		m.governanceActions,
		m.registryRefreshes,
		m.registryApplications,
	)
	if withRuntime {
		m.Registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// =============================================================================
// HTTP
// =============================================================================

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records a completed request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// =============================================================================
// Session
// =============================================================================

func (m *Metrics) RecordConnect(connector string, err error) {
	m.connectAttempts.WithLabelValues(connector, result(err)).Inc()
}

func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.sessionActive.Set(1)
		return
	}
	m.sessionActive.Set(0)
}

func (m *Metrics) RecordSign(connector string, duration time.Duration, err error) {
	m.signDuration.WithLabelValues(connector, result(err)).Observe(duration.Seconds())
}

// =============================================================================
// Workflows
// =============================================================================

func (m *Metrics) RecordSubmission(kind string, duration time.Duration, err error) {
	m.submissions.WithLabelValues(kind, result(err)).Inc()
	m.submissionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordGovernanceAction(operation string, err error) {
	m.governanceActions.WithLabelValues(operation, result(err)).Inc()
}

func (m *Metrics) RecordRegistryRefresh(applications int, err error) {
	m.registryRefreshes.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.registryApplications.Set(float64(applications))
	}
}
