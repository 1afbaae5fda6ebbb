package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	approvalMetricsOnce sync.Once
	approvalRegistry    *ApprovalMetrics
)

// ModuleMetrics returns the lazily-initialised HTTP metrics registry used to
// record API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "quorumpay",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = normalizeLabel(module, "unknown")
	method = normalizeLabel(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(module, "unknown"), normalizeLabel(reason, "unspecified")).Inc()
}

// ApprovalMetrics exposes Prometheus collectors for the approval workflow.
type ApprovalMetrics struct {
	created       prometheus.Counter
	approvals     *prometheus.CounterVec
	finalize      *prometheus.CounterVec
	gatewayLat    *prometheus.HistogramVec
	pending       prometheus.Gauge
	notifications *prometheus.CounterVec
	evictions     prometheus.Counter
}

// Approvals returns the lazily-initialised approval workflow metrics registry.
func Approvals() *ApprovalMetrics {
	approvalMetricsOnce.Do(func() {
		approvalRegistry = &ApprovalMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Name:      "orders_created_total",
				Help:      "Orders escrowed and registered.",
			}),
			approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Name:      "approvals_total",
				Help:      "Approval attempts segmented by outcome.",
			}, []string{"outcome"}),
			finalize: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Name:      "finalize_total",
				Help:      "Deadline decisions segmented by outcome (finished, cancelled, failed).",
			}, []string{"outcome"}),
			gatewayLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "quorumpay",
				Name:      "escrow_gateway_duration_seconds",
				Help:      "Latency of escrow ledger calls segmented by operation and outcome.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"op", "outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "quorumpay",
				Name:      "orders_pending",
				Help:      "Orders awaiting their deadline.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Name:      "notifications_total",
				Help:      "Signer notifications segmented by delivery outcome.",
			}, []string{"outcome"}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "quorumpay",
				Name:      "orders_evicted_total",
				Help:      "Terminal orders removed after their retention period.",
			}),
		}
		prometheus.MustRegister(
			approvalRegistry.created,
			approvalRegistry.approvals,
			approvalRegistry.finalize,
			approvalRegistry.gatewayLat,
			approvalRegistry.pending,
			approvalRegistry.notifications,
			approvalRegistry.evictions,
		)
	})
	return approvalRegistry
}

// RecordCreated counts a new order and raises the pending gauge.
func (m *ApprovalMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
	m.pending.Inc()
}

// RecordApproval counts an approval attempt by outcome (recorded, duplicate,
// unauthorized, closed, not_found).
func (m *ApprovalMetrics) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(normalizeLabel(outcome, "unknown")).Inc()
}

// RecordFinalize counts a terminal decision and lowers the pending gauge.
func (m *ApprovalMetrics) RecordFinalize(outcome string) {
	if m == nil {
		return
	}
	m.finalize.WithLabelValues(normalizeLabel(outcome, "unknown")).Inc()
	m.pending.Dec()
}

// ObserveGateway records the latency of a ledger round trip.
func (m *ApprovalMetrics) ObserveGateway(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.gatewayLat.WithLabelValues(normalizeLabel(op, "unknown"), outcome).Observe(d.Seconds())
}

// RecordNotification counts a notification delivery attempt (sent, failed,
// dropped).
func (m *ApprovalMetrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(outcome, "unknown")).Inc()
}

// RecordEviction counts a retention eviction.
func (m *ApprovalMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// SetPending overwrites the pending gauge, used after start-up reconciliation.
func (m *ApprovalMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func normalizeLabel(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
