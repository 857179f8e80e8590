package client

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied by DefaultConfig.
const (
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 10 * time.Second
	DefaultTimeoutDuration   = 10 * time.Second
	DefaultConnectionTimeout = 5 * time.Second
	DefaultCacheTTL          = 60 * time.Second
	DefaultCacheMaxSize      = 1000
	DefaultSweepInterval     = 60 * time.Second
	DefaultCircuitThreshold  = 5
	DefaultCircuitCooldown   = 60 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config tunes one client instance. Different downstream targets carry
// different tunings; see DefaultConfig for the baseline.
type Config struct {
	// Name is the logical downstream target, used as the metrics and
	// log label ("discord", "exchange").
	Name string `validate:"required"`

	// MaxRetries is the number of retries after the first attempt, so
	// the total attempt budget is MaxRetries+1.
	MaxRetries int `validate:"gte=0"`

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration `validate:"gt=0"`

	// MaxDelay caps the computed backoff. Must not be below BaseDelay.
	MaxDelay time.Duration `validate:"gtefield=BaseDelay"`

	// DefaultTimeout bounds a single attempt.
	DefaultTimeout time.Duration `validate:"gt=0"`

	// ConnectionTimeout bounds connection-class attempts.
	ConnectionTimeout time.Duration `validate:"gt=0"`

	// RequestsPerSecond adds client-side pacing on top of server
	// rate-limit headers. Zero disables local pacing.
	RequestsPerSecond float64 `validate:"gte=0"`

	// CacheEnabled turns the response cache on.
	CacheEnabled bool

	// CacheTTL is the freshness lifetime of cached responses.
	CacheTTL time.Duration `validate:"gte=0"`

	// StaleWhileRevalidate serves expired entries (up to twice the TTL)
	// while a refresh happens, and enables the stale fallback after
	// retry exhaustion.
	StaleWhileRevalidate bool

	// CacheMaxSize caps in-memory cache entries.
	CacheMaxSize int `validate:"gt=0"`

	// SweepInterval is the cache's expired-entry sweep period. Zero
	// disables the sweeper.
	SweepInterval time.Duration `validate:"gte=0"`

	// CircuitThreshold is the consecutive-failure count that opens the
	// breaker.
	CircuitThreshold int `validate:"gt=0"`

	// CircuitCooldown is how long the breaker stays open before
	// allowing a probe.
	CircuitCooldown time.Duration `validate:"gt=0"`
}

// DefaultConfig returns the baseline tuning for a named target.
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		MaxRetries:           DefaultMaxRetries,
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		DefaultTimeout:       DefaultTimeoutDuration,
		ConnectionTimeout:    DefaultConnectionTimeout,
		CacheEnabled:         true,
		CacheTTL:             DefaultCacheTTL,
		StaleWhileRevalidate: true,
		CacheMaxSize:         DefaultCacheMaxSize,
		SweepInterval:        DefaultSweepInterval,
		CircuitThreshold:     DefaultCircuitThreshold,
		CircuitCooldown:      DefaultCircuitCooldown,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

// ConfigPatch is a partial runtime reconfiguration. Nil fields keep
// their current value. Circuit-breaker tuning is fixed at construction
// and not patchable.
type ConfigPatch struct {
	MaxRetries           *int
	BaseDelay            *time.Duration
	MaxDelay             *time.Duration
	DefaultTimeout       *time.Duration
	ConnectionTimeout    *time.Duration
	RequestsPerSecond    *float64
	CacheEnabled         *bool
	CacheTTL             *time.Duration
	StaleWhileRevalidate *bool
	CacheMaxSize         *int
}

// apply returns the config with the patch laid over it.
func (p ConfigPatch) apply(c Config) Config {
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.BaseDelay != nil {
		c.BaseDelay = *p.BaseDelay
	}
	if p.MaxDelay != nil {
		c.MaxDelay = *p.MaxDelay
	}
	if p.DefaultTimeout != nil {
		c.DefaultTimeout = *p.DefaultTimeout
	}
	if p.ConnectionTimeout != nil {
		c.ConnectionTimeout = *p.ConnectionTimeout
	}
	if p.RequestsPerSecond != nil {
		c.RequestsPerSecond = *p.RequestsPerSecond
	}
	if p.CacheEnabled != nil {
		c.CacheEnabled = *p.CacheEnabled
	}
	if p.CacheTTL != nil {
		c.CacheTTL = *p.CacheTTL
	}
	if p.StaleWhileRevalidate != nil {
		c.StaleWhileRevalidate = *p.StaleWhileRevalidate
	}
	if p.CacheMaxSize != nil {
		c.CacheMaxSize = *p.CacheMaxSize
	}
	return c
}
