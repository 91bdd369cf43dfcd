// Package metrics provides Prometheus metrics collection for the resilience
// core. It tracks circuit breaker state and transitions, rate limit
// decisions, backpressure queue behavior, and shared-store health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "resilience"
)

// ProcessingBuckets defines histogram buckets for task processing time (in seconds).
var ProcessingBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

// =============================================================================
// Circuit Breaker Metrics
// =============================================================================

var (
	// CircuitState tracks the current state per circuit (0=closed, 1=open, 2=half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit"},
	)

	// CircuitTransitions counts state transitions per circuit.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker state transitions",
		},
		[]string{"circuit", "from", "to"},
	)

	// CircuitCalls counts wrapped calls by outcome.
	CircuitCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_calls_total",
			Help:      "Total calls through circuit breakers by outcome",
		},
		[]string{"circuit", "outcome"},
	)
)

// =============================================================================
// Rate Limiter Metrics
// =============================================================================

var (
	// RateLimitDecisions counts admission decisions by algorithm and deciding limit.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total rate limit admission decisions",
		},
		[]string{"algorithm", "limit_type", "allowed"},
	)
)

// =============================================================================
// Backpressure Metrics
// =============================================================================

var (
	// BackpressureQueueDepth tracks the current queue depth per handler.
	BackpressureQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_queue_depth",
			Help:      "Current number of queued tasks per backpressure handler",
		},
		[]string{"handler"},
	)

	// BackpressureTasks counts task outcomes per handler.
	BackpressureTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_tasks_total",
			Help:      "Total backpressure task outcomes (processed, dropped, blocked)",
		},
		[]string{"handler", "outcome"},
	)

	// TaskDuration tracks task execution time per handler.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backpressure_task_duration_seconds",
			Help:      "Backpressure task execution time in seconds",
			Buckets:   ProcessingBuckets,
		},
		[]string{"handler"},
	)
)

// =============================================================================
// Shared Store Metrics
// =============================================================================

var (
	// StoreErrors counts shared-store failures that degraded a component to
	// process-local state.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total shared store errors by component",
		},
		[]string{"component"},
	)
)
