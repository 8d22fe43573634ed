package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codegrader"

var (
	// RequestCounter counts HTTP requests by status code, method, and route
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"status", "method", "path"},
	)

	// RequestDuration measures HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status", "method", "path"},
	)

	// RequestInProgress counts HTTP requests currently being processed
	RequestInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_progress",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"method", "path"},
	)

	// AttemptsCreated counts attempt creations by outcome
	AttemptsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_created_total",
			Help:      "Attempts accepted by the dispatcher, by outcome",
		},
		[]string{"result"},
	)

	// DispatchDuration measures the fan-out to the judge for one attempt
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judge_dispatch_duration_seconds",
			Help:      "Time spent dispatching all test cases of an attempt",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)

	// CallbacksTotal counts judge callbacks by handling result
	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Judge callbacks received, by handling result",
		},
		[]string{"result"},
	)

	// VerdictsTotal counts finalized attempts by verdict
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_verdicts_total",
			Help:      "Attempts finalized, by verdict",
		},
		[]string{"verdict"},
	)

	// StaleAttempts reports attempts stuck in queue as of the last sweep
	StaleAttempts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_attempts",
			Help:      "Attempts still in queue past the stale threshold at the last sweep",
		},
	)

	// CacheResults counts cache lookups by hit or miss
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache-aside lookups, by result",
		},
		[]string{"result"},
	)
)
