package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

// Prometheus metrics for rate-limit tracking.
var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbound_rate_limit_remaining",
		Help: "Requests remaining in the current window by endpoint",
	}, []string{"endpoint"})

	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_rate_limit_waits_total",
		Help: "Proactive pacing waits by endpoint",
	}, []string{"endpoint"})

	rateLimitGlobalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbound_rate_limit_global_total",
		Help: "Global rate-limit windows observed",
	})
)

// Manager holds per-endpoint rate-limit state for one downstream target.
// Safe for concurrent use.
type Manager struct {
	clk    clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*State
	global    *State
}

// NewManager creates an empty manager.
func NewManager(clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clk:       clk,
		logger:    logger,
		endpoints: make(map[string]*State),
	}
}

// UpdateFromHeaders ingests rate-limit headers after a response (success
// or 429) and overwrites the prior state for the endpoint. Responses
// without a remaining header are ignored. A global flag stores the window
// as target-wide state taking precedence over per-endpoint buckets.
func (m *Manager) UpdateFromHeaders(endpoint string, headers http.Header) {
	remainStr := headers.Get(HeaderRemaining)
	retryAfterStr := headers.Get(HeaderRetryAfter)
	if remainStr == "" && retryAfterStr == "" {
		return
	}

	now := m.clk.Now()
	state := &State{UpdatedAt: now}

	if remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			m.logger.Warn().Str("endpoint", endpoint).Str("value", remainStr).
				Msg("Unparseable rate-limit remaining header")
			return
		}
		state.Remaining = remain
	}

	state.ResetAt = m.parseReset(headers, now)
	state.Bucket = headers.Get(HeaderBucket)
	state.Global = headers.Get(HeaderGlobal) == "true"

	m.mu.Lock()
	if state.Global {
		m.global = state
	} else {
		m.endpoints[endpoint] = state
	}
	m.mu.Unlock()

	rateLimitRemaining.WithLabelValues(endpoint).Set(float64(state.Remaining))
	if state.Global {
		rateLimitGlobalTotal.Inc()
		m.logger.Warn().
			Time("reset_at", state.ResetAt).
			Msg("Global rate limit observed, pausing all endpoints")
	} else if state.Exhausted() {
		m.logger.Debug().
			Str("endpoint", endpoint).
			Str("bucket", state.Bucket).
			Time("reset_at", state.ResetAt).
			Msg("Rate-limit window exhausted")
	}
}

// parseReset derives the window reset time. The relative reset-after
// header is preferred over the absolute reset epoch; Retry-After seconds
// are the fallback.
func (m *Manager) parseReset(headers http.Header, now time.Time) time.Time {
	if v := headers.Get(HeaderResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return now.Add(time.Duration(secs * float64(time.Second)))
		}
	}
	if v := headers.Get(HeaderReset); v != "" {
		if epoch, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Unix(0, int64(epoch*float64(time.Second)))
		}
	}
	if v := headers.Get(HeaderRetryAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return now.Add(time.Duration(secs * float64(time.Second)))
		}
	}
	return now
}

// WaitDuration returns how long a caller should wait before issuing a
// request to the endpoint. Zero when requests remain or no state has been
// observed. A live global window takes precedence over bucket state.
func (m *Manager) WaitDuration(endpoint string) time.Duration {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.global != nil {
		if wait := m.global.TimeUntilReset(now); wait > 0 {
			return wait
		}
		m.global = nil
	}

	state, ok := m.endpoints[endpoint]
	if !ok || !state.Exhausted() {
		return 0
	}

	wait := state.TimeUntilReset(now)
	if wait == 0 {
		// Window reset since the last observation.
		delete(m.endpoints, endpoint)
	}
	return wait
}

// Wait sleeps until the endpoint's window permits a request, honoring ctx
// cancellation. Returns the duration actually waited.
func (m *Manager) Wait(ctx context.Context, endpoint string) (time.Duration, error) {
	wait := m.WaitDuration(endpoint)
	if wait <= 0 {
		return 0, nil
	}

	rateLimitWaitsTotal.WithLabelValues(endpoint).Inc()
	m.logger.Debug().
		Str("endpoint", endpoint).
		Dur("wait", wait).
		Msg("Pacing request for rate limit")

	if err := m.clk.Sleep(ctx, wait); err != nil {
		return 0, err
	}
	return wait, nil
}

// StateFor returns a copy of the endpoint's state, if any.
func (m *Manager) StateFor(endpoint string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.endpoints[endpoint]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Reset discards all recorded state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = make(map[string]*State)
	m.global = nil
}
