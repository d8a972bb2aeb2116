package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	payments   *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	throttles  *prometheus.CounterVec
	processDur *prometheus.HistogramVec
	settleDur  *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *engineMetrics
)

func engineRegistry() *engineMetrics {
	metricsOnce.Do(func() {
		metrics = &engineMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "engine",
				Name:      "payments_total",
				Help:      "Processed payment credentials by terminal state and error code.",
			}, []string{"state", "code"}),
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "engine",
				Name:      "settlement_attempts_total",
				Help:      "Individual facilitator settlement attempts by result.",
			}, []string{"status"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "engine",
				Name:      "throttles_total",
				Help:      "Requests rejected by the per-wallet rate limiter.",
			}, []string{"scope"}),
			processDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "x402",
				Subsystem: "engine",
				Name:      "process_duration_seconds",
				Help:      "End to end payment processing latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"state"}),
			settleDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "x402",
				Subsystem: "engine",
				Name:      "settlement_duration_seconds",
				Help:      "Facilitator settlement round trip latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			metrics.payments,
			metrics.attempts,
			metrics.throttles,
			metrics.processDur,
			metrics.settleDur,
		)
	})
	return metrics
}

// ObservePayment records one processed credential with its terminal state,
// the error code for failures (empty on success), and total latency.
func ObservePayment(state, code string, elapsed time.Duration) {
	m := engineRegistry()
	m.payments.WithLabelValues(state, code).Inc()
	m.processDur.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ObserveSettlement records one facilitator settlement round trip.
func ObserveSettlement(outcome string, elapsed time.Duration) {
	engineRegistry().settleDur.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveSettlementAttempt records a single settlement attempt by status
// (ok, rejected, server_error, transport, timeout, canceled, internal).
func ObserveSettlementAttempt(status string) {
	engineRegistry().attempts.WithLabelValues(status).Inc()
}

// ObserveThrottle records a request rejected by the rate limiter.
func ObserveThrottle(scope string) {
	engineRegistry().throttles.WithLabelValues(scope).Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
