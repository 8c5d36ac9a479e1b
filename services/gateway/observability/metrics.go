// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the gateway.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streaming chat
// operations. Metrics include:
//   - Request counters (by status and cache outcome)
//   - Limiter rejections (rate and concurrency)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "relay"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for streaming chat operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and limiter pressure. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by status.
	// Labels: status (success, error)
	RequestsTotal *prometheus.CounterVec

	// CacheOutcomesTotal counts cache resolution outcomes per request.
	// Labels: outcome (hit, miss, attach, corruption)
	CacheOutcomesTotal *prometheus.CounterVec

	// LimiterRejectionsTotal counts requests refused before streaming.
	// Labels: limiter (rate, concurrency)
	LimiterRejectionsTotal *prometheus.CounterVec

	// TokensTotal counts output tokens by model.
	// Labels: model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first emitted event.
	TimeToFirstTokenSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration.
	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts terminal stream errors by kind.
	// Labels: kind (rate_limit_exceeded, generation_failure, etc.)
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	ClientDisconnectsTotal prometheus.Counter

	// RationaleRedactionsTotal counts redacted findings in surfaced rationale.
	RationaleRedactionsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Outputs
//
//   - *StreamingMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by status",
			},
			[]string{"status"},
		),

		CacheOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "cache_outcomes_total",
				Help:      "Cache resolution outcomes per streaming request",
			},
			[]string{"outcome"},
		),

		LimiterRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "limiter_rejections_total",
				Help:      "Requests refused before streaming by limiter type",
			},
			[]string{"limiter"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total output tokens by model",
			},
			[]string{"model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first emitted event in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total terminal stream errors by kind",
			},
			[]string{"kind"},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		RationaleRedactionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "rationale_redactions_total",
				Help:      "Total sensitive findings redacted from surfaced rationale",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Cache Outcomes
// =============================================================================

// CacheOutcome labels a cache resolution result for metrics.
type CacheOutcome string

const (
	// CacheOutcomeHit indicates the response was replayed from cache.
	CacheOutcomeHit CacheOutcome = "hit"

	// CacheOutcomeMiss indicates a fresh generation ran for the request.
	CacheOutcomeMiss CacheOutcome = "miss"

	// CacheOutcomeAttach indicates the request attached to an in-flight
	// generation owned by another request.
	CacheOutcomeAttach CacheOutcome = "attach"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordCacheOutcome records how the cache resolved a request.
func (m *StreamingMetrics) RecordCacheOutcome(outcome CacheOutcome) {
	m.CacheOutcomesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordRejection records a limiter refusal before streaming started.
func (m *StreamingMetrics) RecordRejection(limiter string) {
	m.LimiterRejectionsTotal.WithLabelValues(limiter).Inc()
}

// RecordError records a terminal stream error by kind.
func (m *StreamingMetrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordTokens records output token usage for a model.
func (m *StreamingMetrics) RecordTokens(outputTokens int, model string) {
	m.TokensTotal.WithLabelValues(model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records the latency to the first emitted event.
func (m *StreamingMetrics) RecordTimeToFirstToken(d time.Duration) {
	m.TimeToFirstTokenSeconds.Observe(d.Seconds())
}
