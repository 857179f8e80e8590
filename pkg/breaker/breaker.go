// Package breaker implements a per-target circuit breaker that fails fast
// when a downstream dependency is judged unhealthy.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota

	// StateOpen fails fast until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits exactly one probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default breaker tuning.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 60 * time.Second
)

// Breaker tracks consecutive failures for one downstream target. Safe for
// concurrent use. Failures and successes are recorded per logical request,
// so a half-open probe is one logical call regardless of its internal
// retry attempts.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clk       clock.Clock
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool

	onChange func(State)
}

// New creates a breaker for the named target. Zero threshold or cooldown
// fall back to the defaults.
func New(name string, threshold int, cooldown time.Duration, clk clock.Clock, logger zerolog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clk:       clk,
		logger:    logger,
		state:     StateClosed,
	}
}

// OnStateChange registers a callback invoked (outside the lock) whenever
// the state changes.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a request may proceed. In the open state it allows
// nothing until the cooldown has elapsed since the last failure, then
// transitions to half-open and admits a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true

	case StateOpen:
		if b.clk.Now().Sub(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return false
		}
		b.setStateLocked(StateHalfOpen)
		b.probing = true
		fn, st := b.onChange, b.state
		b.mu.Unlock()

		b.logger.Info().Str("target", b.name).Msg("Circuit half-open, admitting probe")
		if fn != nil {
			fn(st)
		}
		return true

	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.mu.Unlock()
		return true

	default:
		b.mu.Unlock()
		return false
	}
}

// RecordSuccess records a successful logical request. A half-open probe
// success closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	var fn func(State)
	var st State
	switch b.state {
	case StateHalfOpen:
		b.setStateLocked(StateClosed)
		b.failures = 0
		b.probing = false
		fn, st = b.onChange, b.state
	case StateClosed:
		b.failures = 0
	}
	b.mu.Unlock()

	if fn != nil {
		b.logger.Info().Str("target", b.name).Msg("Circuit closed after successful probe")
		fn(st)
	}
}

// RecordFailure records a failed logical request. Reaching the threshold
// in the closed state, or any half-open probe failure, opens the circuit
// and restarts the cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.lastFailure = b.clk.Now()

	var fn func(State)
	var st State
	var opened bool
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.setStateLocked(StateOpen)
			fn, st, opened = b.onChange, b.state, true
		}
	case StateHalfOpen:
		b.failures++
		b.probing = false
		b.setStateLocked(StateOpen)
		fn, st, opened = b.onChange, b.state, true
	}
	failures := b.failures
	b.mu.Unlock()

	if opened {
		b.logger.Error().
			Str("target", b.name).
			Int("failures", failures).
			Dur("cooldown", b.cooldown).
			Msg("Circuit opened")
		if fn != nil {
			fn(st)
		}
	}
}

// ReleaseProbe frees the half-open probe slot when an admitted probe
// ended without a success or failure verdict (cancelled caller, pacing
// abort). Without the release no later call could ever probe and the
// circuit would fail fast forever.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probing {
		b.probing = false
		b.logger.Debug().Str("target", b.name).Msg("Probe released without verdict")
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
}
