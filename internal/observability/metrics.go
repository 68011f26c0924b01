// Package observability holds the Prometheus metrics of the sandbox service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets covers fast scripts through runs that hit the timeout.
var ExecutionBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// ExecutionsTotal counts finished executions by language and outcome.
	// outcome is "success" or an error kind such as "ExecutionTimeout".
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Executions by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	// ExecutionDuration records end-to-end pipeline latency.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_execution_duration_seconds",
			Help:    "Execution pipeline duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"language"},
	)

	// ActiveEnvironments tracks launched environments not yet removed.
	ActiveEnvironments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_active_environments",
			Help: "Launched execution environments not yet removed",
		},
	)

	// OutputTruncatedTotal counts executions whose output hit the ceiling.
	OutputTruncatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_output_truncated_total",
			Help: "Executions with truncated output",
		},
		[]string{"language"},
	)

	// CleanupFailuresTotal counts failed environment or workspace removals.
	CleanupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_cleanup_failures_total",
			Help: "Failed cleanups by resource",
		},
		[]string{"resource"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_ratelimit_rejected_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// ReapedTotal counts leaked resources removed by the reaper.
	ReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_reaped_total",
			Help: "Leaked resources removed at startup or shutdown",
		},
		[]string{"resource"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		ActiveEnvironments,
		OutputTruncatedTotal,
		CleanupFailuresTotal,
		RateLimitedTotal,
		ReapedTotal,
	)
}
