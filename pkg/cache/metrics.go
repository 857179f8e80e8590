package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for cache internals. Hit/miss/stale outcomes are
// recorded by the calling client; these cover the manager's own
// housekeeping.
var (
	cacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbound_cache_entries",
		Help: "Current number of in-memory cache entries",
	}, []string{"client"})

	cacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_cache_evictions_total",
		Help: "Cache entries removed by reason (lru, expired)",
	}, []string{"client", "reason"})

	cacheSharedErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_cache_shared_errors_total",
		Help: "Shared-store operation failures by operation",
	}, []string{"client", "operation"})
)
