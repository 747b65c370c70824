package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pcg"

// Callback outcomes.
const (
	OutcomeApplied           = "applied"
	OutcomeDuplicate         = "duplicate"
	OutcomeMalformed         = "malformed"
	OutcomeUnknownMerchant   = "unknown_merchant"
	OutcomeSignatureMismatch = "signature_mismatch"
	OutcomeConflict          = "conflicting_outcome"
	OutcomeNotFound          = "not_found"
	OutcomeError             = "error"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	callbacks        *prometheus.CounterVec
	reconAttempts    *prometheus.CounterVec
	reconDuration    prometheus.Histogram
	versionConflicts *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers collectors on reg. A nil registerer falls back to the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Gateway callbacks received, by outcome.",
		}, []string{"outcome"}),
		reconAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_attempts_total",
			Help:      "Gateway status query attempts, by outcome.",
		}, []string{"outcome"}),
		reconDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Wall time of a full QueryAndReconcile run including backoff.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic lock conflicts, by operation.",
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_transitions_total",
			Help:      "Transaction status transitions.",
		}, []string{"from", "to"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Outbound gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.callbacks, m.reconAttempts, m.reconDuration, m.versionConflicts,
		m.transitions, m.gatewayLatency, m.httpRequests, m.httpDuration,
	)
	return m
}

// Nop returns metrics bound to a private registry, for tests and tools.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) CallbackReceived(outcome string) {
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconciliationAttempt(outcome string) {
	m.reconAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconciliationFinished(elapsed time.Duration) {
	m.reconDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) VersionConflict(operation string) {
	m.versionConflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) Transition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) GatewayCall(operation string, status int, elapsed time.Duration) {
	m.gatewayLatency.WithLabelValues(operation, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// GinMiddleware records request counts and latency per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
