// Package metrics provides Prometheus metrics for the Arbiter control plane
// (RED + dispatcher + engine + tool circuit breakers).
// Scrapeable at /metrics; runbooks and dashboards rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arbiter"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// JobsEnqueuedTotal counts jobs accepted into the dispatch queue.
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued, by job type.",
		},
		[]string{"job_type"},
	)

	// JobsClaimedTotal counts jobs handed to edge agents.
	JobsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of pending jobs claimed by edge agents.",
		},
	)

	// JobsCompletedTotal counts terminal job transitions by outcome.
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs reaching a terminal status.",
		},
		[]string{"status"},
	)

	// EnginePhaseDurationSeconds times each investigation phase.
	EnginePhaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_phase_duration_seconds",
			Help:      "Investigation engine phase duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"phase"},
	)

	// EngineRunsTotal counts investigation runs by final status.
	EngineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_runs_total",
			Help:      "Total investigation engine runs by final session status.",
		},
		[]string{"status"},
	)

	// ToolInvocationsTotal counts wrapped tool calls by tool and outcome.
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Total tool invocations through the wrapper, by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// CircuitBreakerState is the current breaker state per tool (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per tool (0=closed, 1=open, 2=half-open).",
		},
		[]string{"tool"},
	)

	// CircuitBreakerTransitionsTotal counts breaker state transitions.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total circuit breaker state transitions per tool.",
		},
		[]string{"tool", "from", "to"},
	)

	// CircuitBreakerFailuresTotal counts failures observed by breakers.
	CircuitBreakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_failures_total",
			Help:      "Total failures counted by circuit breakers per tool.",
		},
		[]string{"tool"},
	)

	// SessionLogStreamsActive is current number of WebSocket log streams.
	SessionLogStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_log_streams_active",
			Help:      "Number of active WebSocket session log streams.",
		},
	)
)
