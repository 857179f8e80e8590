// Package metrics collects per-client counters for outbound requests and
// derives a health status from the recent error rate. Prometheus metrics
// are published alongside an in-process snapshot usable by health checks.
package metrics

import (
	"sync"
	"time"
)

// Health is the derived health status of a downstream target.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Health derivation thresholds over the recent-outcome window.
const (
	// windowSize is the number of recent logical outcomes considered.
	windowSize = 50

	// degradedErrorRate marks the target degraded above this error rate.
	degradedErrorRate = 0.1

	// unhealthyErrorRate marks the target unhealthy above this error rate.
	unhealthyErrorRate = 0.5

	// degradedConsecutive / unhealthyConsecutive are consecutive-failure
	// cutoffs applied independently of the error rate.
	degradedConsecutive  = 2
	unhealthyConsecutive = 5
)

// EventType identifies an observable event emitted by the collector.
type EventType string

const (
	EventSuccess       EventType = "success"
	EventFailure       EventType = "failure"
	EventStaleServed   EventType = "stale_served"
	EventRateLimitWait EventType = "rate_limit_wait"
	EventCircuitChange EventType = "circuit_change"
)

// Event carries the context of a single observable occurrence. Observers
// receive events synchronously so tests can assert deterministically.
type Event struct {
	Type      EventType
	Client    string
	Operation string
	Code      string
	Duration  time.Duration
}

// Snapshot is a point-in-time view of the collected counters.
type Snapshot struct {
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	FailedRequests     uint64  `json:"failed_requests"`
	RetriedRequests    uint64  `json:"retried_requests"`
	CacheHits          uint64  `json:"cache_hits"`
	CacheMisses        uint64  `json:"cache_misses"`
	CacheStaleHits     uint64  `json:"cache_stale_hits"`
	StaleServed        uint64  `json:"stale_served"`
	RateLimitHits      uint64  `json:"rate_limit_hits"`
	CoalescedRequests  uint64  `json:"coalesced_requests"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	AvgLatencyMillis   float64 `json:"avg_latency_ms"`
	Health             Health  `json:"health"`
}

// Collector accumulates counters for one logical client. Safe for
// concurrent use.
type Collector struct {
	client string

	mu                  sync.Mutex
	total               uint64
	success             uint64
	failed              uint64
	retried             uint64
	cacheHits           uint64
	cacheMisses         uint64
	cacheStale          uint64
	staleServed         uint64
	rateLimitHits       uint64
	coalesced           uint64
	latencySum          time.Duration
	latencyCount        uint64
	consecutiveFailures int

	// ring buffer of recent outcomes, true = failure
	window    [windowSize]bool
	windowPos int
	windowLen int

	observers []func(Event)
}

// NewCollector creates a collector for the named client.
func NewCollector(client string) *Collector {
	return &Collector{client: client}
}

// Subscribe registers an observer invoked synchronously for every event.
func (c *Collector) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// RecordSuccess records a successful logical request.
func (c *Collector) RecordSuccess(operation string, attempts int, d time.Duration) {
	requestsTotal.WithLabelValues(c.client, "success").Inc()
	requestDuration.WithLabelValues(c.client).Observe(d.Seconds())

	c.mu.Lock()
	c.total++
	c.success++
	if attempts > 1 {
		c.retried++
	}
	c.latencySum += d
	c.latencyCount++
	c.consecutiveFailures = 0
	c.pushOutcome(false)
	observers := c.observers
	c.mu.Unlock()

	c.emit(observers, Event{Type: EventSuccess, Client: c.client, Operation: operation, Duration: d})
}

// RecordFailure records a terminal failure with its classified error code.
func (c *Collector) RecordFailure(operation, code string, attempts int, d time.Duration) {
	requestsTotal.WithLabelValues(c.client, "failure").Inc()
	requestDuration.WithLabelValues(c.client).Observe(d.Seconds())
	errorsTotal.WithLabelValues(c.client, code).Inc()

	c.mu.Lock()
	c.total++
	c.failed++
	if attempts > 1 {
		c.retried++
	}
	c.latencySum += d
	c.latencyCount++
	c.consecutiveFailures++
	c.pushOutcome(true)
	observers := c.observers
	c.mu.Unlock()

	c.emit(observers, Event{Type: EventFailure, Client: c.client, Operation: operation, Code: code, Duration: d})
}

// RecordRetry records one scheduled retry attempt.
func (c *Collector) RecordRetry(code string) {
	retriesTotal.WithLabelValues(c.client, code).Inc()
}

// RecordCacheHit records a fresh cache hit, which is also a successful
// terminal outcome for the logical request.
func (c *Collector) RecordCacheHit(operation string) {
	cacheLookupsTotal.WithLabelValues(c.client, "hit").Inc()
	requestsTotal.WithLabelValues(c.client, "success").Inc()

	c.mu.Lock()
	c.total++
	c.success++
	c.cacheHits++
	c.consecutiveFailures = 0
	c.pushOutcome(false)
	observers := c.observers
	c.mu.Unlock()

	c.emit(observers, Event{Type: EventSuccess, Client: c.client, Operation: operation})
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss() {
	cacheLookupsTotal.WithLabelValues(c.client, "miss").Inc()

	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
}

// RecordCacheStale records a stale hit observed before the refresh attempt.
func (c *Collector) RecordCacheStale() {
	cacheLookupsTotal.WithLabelValues(c.client, "stale").Inc()

	c.mu.Lock()
	c.cacheStale++
	c.mu.Unlock()
}

// RecordStaleServed records stale data served as a degraded success after
// retry exhaustion. Observable so operators can detect reliance on stale
// data.
func (c *Collector) RecordStaleServed(operation string, d time.Duration) {
	staleServedTotal.WithLabelValues(c.client).Inc()
	requestsTotal.WithLabelValues(c.client, "stale_served").Inc()

	c.mu.Lock()
	c.total++
	c.success++
	c.staleServed++
	c.latencySum += d
	c.latencyCount++
	c.pushOutcome(false)
	observers := c.observers
	c.mu.Unlock()

	c.emit(observers, Event{Type: EventStaleServed, Client: c.client, Operation: operation, Duration: d})
}

// RecordRateLimitWait records a proactive pacing wait.
func (c *Collector) RecordRateLimitWait(operation string, d time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(c.client).Observe(d.Seconds())

	c.mu.Lock()
	c.rateLimitHits++
	observers := c.observers
	c.mu.Unlock()

	c.emit(observers, Event{Type: EventRateLimitWait, Client: c.client, Operation: operation, Duration: d})
}

// RecordCircuitState publishes the breaker state (0=closed, 1=open,
// 2=half-open) and notifies observers.
func (c *Collector) RecordCircuitState(state int) {
	circuitState.WithLabelValues(c.client).Set(float64(state))

	c.mu.Lock()
	observers := c.observers
	c.mu.Unlock()

	c.emit(observers, Event{Type: EventCircuitChange, Client: c.client, Code: circuitStateName(state)})
}

// RecordCoalesced records a request that attached to an identical
// in-flight request instead of issuing its own attempt.
func (c *Collector) RecordCoalesced(operation string) {
	coalescedTotal.WithLabelValues(c.client).Inc()

	c.mu.Lock()
	c.coalesced++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters with derived fields.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TotalRequests:      c.total,
		SuccessfulRequests: c.success,
		FailedRequests:     c.failed,
		RetriedRequests:    c.retried,
		CacheHits:          c.cacheHits,
		CacheMisses:        c.cacheMisses,
		CacheStaleHits:     c.cacheStale,
		StaleServed:        c.staleServed,
		RateLimitHits:      c.rateLimitHits,
		CoalescedRequests:  c.coalesced,
		Health:             c.healthLocked(),
	}

	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		s.CacheHitRate = float64(c.cacheHits) / float64(lookups)
	}
	if c.latencyCount > 0 {
		s.AvgLatencyMillis = float64(c.latencySum.Milliseconds()) / float64(c.latencyCount)
	}

	return s
}

// Health derives the current health status.
func (c *Collector) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthLocked()
}

// Reset zeroes the snapshot counters. Prometheus counters are cumulative
// and are not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total, c.success, c.failed, c.retried = 0, 0, 0, 0
	c.cacheHits, c.cacheMisses, c.cacheStale, c.staleServed = 0, 0, 0, 0
	c.rateLimitHits, c.coalesced = 0, 0
	c.latencySum, c.latencyCount = 0, 0
	c.consecutiveFailures = 0
	c.windowPos, c.windowLen = 0, 0
}

func (c *Collector) healthLocked() Health {
	errRate := 0.0
	if c.windowLen > 0 {
		failures := 0
		for i := 0; i < c.windowLen; i++ {
			if c.window[i] {
				failures++
			}
		}
		errRate = float64(failures) / float64(c.windowLen)
	}

	switch {
	case c.consecutiveFailures >= unhealthyConsecutive || errRate > unhealthyErrorRate:
		return HealthUnhealthy
	case c.consecutiveFailures >= degradedConsecutive || errRate > degradedErrorRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (c *Collector) pushOutcome(failure bool) {
	c.window[c.windowPos] = failure
	c.windowPos = (c.windowPos + 1) % windowSize
	if c.windowLen < windowSize {
		c.windowLen++
	}
}

func (c *Collector) emit(observers []func(Event), ev Event) {
	for _, fn := range observers {
		fn(ev)
	}
}

func circuitStateName(state int) string {
	switch state {
	case 0:
		return "closed"
	case 1:
		return "open"
	case 2:
		return "half_open"
	default:
		return "unknown"
	}
}
