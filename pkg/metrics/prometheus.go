package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for outbound request handling. Registered once at
// package init; collectors for individual clients share them via the
// "client" label.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_requests_total",
		Help: "Total outbound logical requests by client and outcome",
	}, []string{"client", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_request_duration_seconds",
		Help:    "Outbound logical request duration in seconds by client",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"client"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_retries_total",
		Help: "Total retry attempts by client and error code",
	}, []string{"client", "error_code"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_errors_total",
		Help: "Total terminal failures by client and error code",
	}, []string{"client", "error_code"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_cache_lookups_total",
		Help: "Cache lookups by client and result (hit, miss, stale)",
	}, []string{"client", "result"})

	staleServedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_stale_served_total",
		Help: "Stale cache entries served as degraded success after retry exhaustion",
	}, []string{"client"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_rate_limit_wait_seconds",
		Help:    "Proactive rate-limit pacing waits by client",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"client"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbound_circuit_breaker_state",
		Help: "Circuit breaker state by client (0=closed, 1=open, 2=half-open)",
	}, []string{"client"})

	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_coalesced_requests_total",
		Help: "Requests coalesced onto an identical in-flight request",
	}, []string{"client"})
)
