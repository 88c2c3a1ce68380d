// Package metrics provides the gateway's Prometheus instrumentation.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Metrics collector
// =============================================================================

// Collector holds every Prometheus metric the gateway emits, registered
// once against a single namespace at process start (§12.3).
type Collector struct {
	// Scheduler (C7) pacing metrics.
	pacingDriftResetTotal prometheus.Counter
	pacingSlowTotal       prometheus.Counter
	frameEmitJitter       prometheus.Histogram

	// Rate limiter (C16).
	rateLimitRejectedTotal *prometheus.CounterVec

	// Session store (C6).
	activeSessions prometheus.Gauge

	// Provider adapters (C2/C3/C5).
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates and registers the gateway's metric set.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.pacingDriftResetTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pacing_drift_reset_total",
		Help:      "Total number of times a stream's emit deadline was snapped back to the present after falling catastrophically behind.",
	})

	c.pacingSlowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pacing_slow_total",
		Help:      "Total number of times pacing forced 20ms base delay under increasing underruns with an empty client buffer.",
	})

	c.frameEmitJitter = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_emit_jitter_seconds",
		Help:      "Deviation between a frame's scheduled emit deadline and its actual emission time.",
		Buckets:   []float64{-0.01, -0.005, -0.002, 0, 0.002, 0.005, 0.01, 0.02, 0.05},
	})

	c.rateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejected_total",
		Help:      "Total number of inbound events denied by the per-session token bucket, by event name.",
	}, []string{"event"})

	c.activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently held by the session store.",
	})

	c.providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Total number of outbound calls to an STT/LLM/TTS provider, by provider and outcome.",
	}, []string{"provider", "status"})

	c.providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_request_duration_seconds",
		Help:      "Duration of outbound provider calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider"})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// scheduler.Metrics
// =============================================================================

// IncDriftReset implements scheduler.Metrics.
func (c *Collector) IncDriftReset() { c.pacingDriftResetTotal.Inc() }

// IncPacingSlow implements scheduler.Metrics.
func (c *Collector) IncPacingSlow() { c.pacingSlowTotal.Inc() }

// ObserveEmitJitter implements scheduler.Metrics.
func (c *Collector) ObserveEmitJitter(seconds float64) { c.frameEmitJitter.Observe(seconds) }

// =============================================================================
// Rate limiter / session store
// =============================================================================

// RecordRateLimitRejection records a denied inbound event.
func (c *Collector) RecordRateLimitRejection(event string) {
	c.rateLimitRejectedTotal.WithLabelValues(event).Inc()
}

// SetActiveSessions reports the current session count.
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// =============================================================================
// Provider adapters
// =============================================================================

// RecordProviderRequest records the outcome and latency of one outbound
// provider call.
func (c *Collector) RecordProviderRequest(provider, status string, durationSeconds float64) {
	c.providerRequestsTotal.WithLabelValues(provider, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}
