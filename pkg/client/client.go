// Package client implements the resilient outbound call core: every
// request to a downstream API runs through cache lookup, circuit check,
// rate-limit pacing and a timeout-wrapped retry loop, falling back to
// stale cached data when the upstream stays down.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/merchcord/outbound/pkg/breaker"
	"github.com/merchcord/outbound/pkg/cache"
	"github.com/merchcord/outbound/pkg/clock"
	"github.com/merchcord/outbound/pkg/dedup"
	"github.com/merchcord/outbound/pkg/metrics"
	"github.com/merchcord/outbound/pkg/ratelimit"
)

// Meta is response metadata an operation hands back so the client can
// ingest rate-limit headers, from failures as well as successes.
type Meta struct {
	StatusCode int
	Header     http.Header
}

// Operation is one attempt against the downstream target. It must honor
// ctx cancellation; the client wraps it with the per-call deadline.
// Meta may be returned alongside an error.
type Operation func(ctx context.Context) (any, *Meta, error)

// Option customizes a Client at construction.
type Option func(*Client)

// WithClock injects a clock, usually a fake one in tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.baseLogger = logger }
}

// WithSharedStore attaches a shared second-level cache store.
func WithSharedStore(store cache.Store) Option {
	return func(c *Client) { c.sharedStore = store }
}

// Client is the orchestrator for one downstream target. All resilience
// state (cache, rate limits, breaker, in-flight coordination) lives
// here, one instance per target, shared by every caller in the process.
type Client struct {
	clk         clock.Clock
	baseLogger  zerolog.Logger
	logger      zerolog.Logger
	sharedStore cache.Store

	classifier  *Classifier
	cache       *cache.Manager
	limits      *ratelimit.Manager
	breaker     *breaker.Breaker
	coordinator *dedup.Coordinator
	collector   *metrics.Collector

	cfgMu   sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

// New creates a client from a validated config.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		clk:        clock.New(),
		baseLogger: zerolog.Nop(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.baseLogger.With().Str("client", cfg.Name).Logger()
	c.classifier = NewClassifier()
	c.collector = metrics.NewCollector(cfg.Name)
	c.coordinator = dedup.New(c.logger)
	c.limits = ratelimit.NewManager(c.clk, c.logger)

	c.breaker = breaker.New(cfg.Name, cfg.CircuitThreshold, cfg.CircuitCooldown, c.clk, c.logger)
	c.breaker.OnStateChange(func(s breaker.State) {
		c.collector.RecordCircuitState(int(s))
	})

	c.cache = cache.NewManager(cache.Options{
		Name:                 cfg.Name,
		MaxSize:              cfg.CacheMaxSize,
		TTL:                  cfg.CacheTTL,
		StaleWhileRevalidate: cfg.StaleWhileRevalidate,
		SweepInterval:        cfg.SweepInterval,
		Shared:               c.sharedStore,
		Clock:                c.clk,
		Logger:               c.logger,
	})

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burstFor(cfg.RequestsPerSecond))
	}

	return c, nil
}

func burstFor(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// CallOptions tune a single Execute call.
type CallOptions struct {
	cacheKey string
	endpoint string
	kind     TimeoutKind
	cacheTTL time.Duration
}

// CallOption customizes one call.
type CallOption func(*CallOptions)

// WithCacheKey enables caching and request coalescing under the key.
func WithCacheKey(key string) CallOption {
	return func(o *CallOptions) { o.cacheKey = key }
}

// WithEndpoint sets the rate-limit endpoint key. Defaults to the
// operation name.
func WithEndpoint(endpoint string) CallOption {
	return func(o *CallOptions) { o.endpoint = endpoint }
}

// WithTimeoutKind selects the deadline class for the call.
func WithTimeoutKind(kind TimeoutKind) CallOption {
	return func(o *CallOptions) { o.kind = kind }
}

// WithCacheTTL overrides the configured cache TTL for this call.
func WithCacheTTL(ttl time.Duration) CallOption {
	return func(o *CallOptions) { o.cacheTTL = ttl }
}

// Execute runs op through the full resilience pipeline: fresh cache
// hit, coalescing with identical in-flight calls, circuit check, local
// and header-derived rate-limit pacing, then the timeout-wrapped retry
// loop. After retry exhaustion a stale cached value is served when one
// exists; otherwise the classified error propagates.
func (c *Client) Execute(ctx context.Context, name string, op Operation, opts ...CallOption) (any, error) {
	co := CallOptions{kind: TimeoutDefault}
	for _, opt := range opts {
		opt(&co)
	}

	if co.cacheKey == "" {
		return c.executeCall(ctx, name, op, co)
	}

	// Identical cached calls share one in-flight attempt.
	val, shared, err := c.coordinator.Do(ctx, name+":"+co.cacheKey, func() (any, error) {
		return c.executeCall(ctx, name, op, co)
	})
	if shared {
		c.collector.RecordCoalesced(name)
	}
	if err != nil {
		// A waiter abandoning a shared flight returns a bare ctx error;
		// callers see classified errors on every path.
		return nil, c.classifier.Classify(err)
	}
	return val, nil
}

// executeCall is one non-coalesced pass through the pipeline.
func (c *Client) executeCall(ctx context.Context, name string, op Operation, co CallOptions) (any, error) {
	cfg := c.config()
	start := c.clk.Now()
	logger := c.logger.With().
		Str("operation", name).
		Str("request_id", uuid.NewString()).
		Logger()

	var stale any
	var haveStale bool
	if cfg.CacheEnabled && co.cacheKey != "" {
		lookup := c.cache.Get(ctx, co.cacheKey)
		switch {
		case lookup.Hit && !lookup.Stale:
			c.collector.RecordCacheHit(name)
			logger.Debug().Str("cache_key", co.cacheKey).Msg("Served from cache")
			return lookup.Data, nil
		case lookup.Hit:
			// Refresh through the pipeline; keep the value as fallback.
			c.collector.RecordCacheStale()
			stale, haveStale = lookup.Data, true
		default:
			c.collector.RecordCacheMiss()
		}
	}

	if !c.breaker.Allow() {
		ce := &ClassifiedError{
			Code:    CodeCircuitOpen,
			Message: fmt.Sprintf("circuit open for %s", cfg.Name),
		}
		c.collector.RecordFailure(name, ce.Code, 0, c.clk.Now().Sub(start))
		logger.Warn().Str("error_code", ce.Code).Msg("Failing fast, circuit open")
		return nil, ce
	}

	endpoint := co.endpoint
	if endpoint == "" {
		endpoint = name
	}

	if err := c.pace(ctx, name, endpoint); err != nil {
		c.breaker.ReleaseProbe()
		return nil, c.classifier.Classify(err)
	}

	run := &runner{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		classifier: c.classifier,
		clk:        c.clk,
		logger:     logger,
		onRetry: func(code string, _ time.Duration) {
			c.collector.RecordRetry(code)
		},
		afterAttempt: func(meta *Meta, err error) {
			c.ingest(endpoint, meta, err)
		},
	}

	timeout := timeoutFor(co.kind, cfg.DefaultTimeout, cfg.ConnectionTimeout)
	res := run.run(ctx, name, func(ctx context.Context) (any, *Meta, error) {
		return runWithTimeout(ctx, timeout, op)
	})
	elapsed := c.clk.Now().Sub(start)

	if res.Err == nil {
		if cfg.CacheEnabled && co.cacheKey != "" {
			ttl := co.cacheTTL
			if ttl <= 0 {
				ttl = cfg.CacheTTL
			}
			c.cache.Set(ctx, co.cacheKey, res.Value, ttl)
		}
		c.breaker.RecordSuccess()
		c.collector.RecordSuccess(name, res.Attempts, elapsed)
		if res.Attempts > 1 {
			logger.Info().Int("attempts", res.Attempts).Msg("Succeeded after retries")
		}
		return res.Value, nil
	}

	// Caller cancellation says nothing about upstream health. It also
	// settles nothing: a probe slot held by this call must be freed.
	if res.Err.Code == CodeCancelled {
		c.breaker.ReleaseProbe()
	} else {
		c.breaker.RecordFailure()
	}

	if res.Err.Retryable && haveStale {
		c.collector.RecordStaleServed(name, elapsed)
		logger.Warn().
			Str("error_code", res.Err.Code).
			Int("attempts", res.Attempts).
			Str("cache_key", co.cacheKey).
			Msg("Upstream unavailable, serving stale cache data")
		return stale, nil
	}

	c.collector.RecordFailure(name, res.Err.Code, res.Attempts, elapsed)
	logger.Error().
		Str("error_code", res.Err.Code).
		Int("attempts", res.Attempts).
		Err(res.Err.Err).
		Msg("Request failed")
	return nil, res.Err
}

// pace applies local token-bucket pacing, then any wait derived from
// observed rate-limit headers.
func (c *Client) pace(ctx context.Context, name, endpoint string) error {
	c.cfgMu.RLock()
	limiter := c.limiter
	c.cfgMu.RUnlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	waited, err := c.limits.Wait(ctx, endpoint)
	if err != nil {
		return err
	}
	if waited > 0 {
		c.collector.RecordRateLimitWait(name, waited)
	}
	return nil
}

// ingest feeds response headers from an attempt into the rate-limit
// manager. Failed attempts carry headers too, either via Meta or the
// HTTPError itself.
func (c *Client) ingest(endpoint string, meta *Meta, err error) {
	if meta != nil && meta.Header != nil {
		c.limits.UpdateFromHeaders(endpoint, meta.Header)
		return
	}
	if httpErr := asHTTPError(err); httpErr != nil && httpErr.Header != nil {
		c.limits.UpdateFromHeaders(endpoint, httpErr.Header)
	}
}

// Name returns the client's target name.
func (c *Client) Name() string {
	return c.config().Name
}

// Config returns a snapshot of the current configuration.
func (c *Client) Config() Config {
	return c.config()
}

func (c *Client) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Metrics returns the client's metrics collector.
func (c *Client) Metrics() *metrics.Collector {
	return c.collector
}

// GetMetrics returns the current counters and derived health.
func (c *Client) GetMetrics() metrics.Snapshot {
	return c.collector.Snapshot()
}

// ResetMetrics zeroes the snapshot counters.
func (c *Client) ResetMetrics() {
	c.collector.Reset()
}

// Invalidate removes cached entries matching a glob pattern and returns
// how many in-memory entries were removed.
func (c *Client) Invalidate(ctx context.Context, pattern string) int {
	return c.cache.Invalidate(ctx, pattern)
}

// ClearCache drops all cached entries.
func (c *Client) ClearCache(ctx context.Context) {
	c.cache.Clear(ctx)
}

// UpdateConfig applies a partial reconfiguration after validating the
// resulting config. Cache sizing and local pacing take effect
// immediately; in-flight calls finish under the tuning they started
// with.
func (c *Client) UpdateConfig(patch ConfigPatch) error {
	c.cfgMu.Lock()
	next := patch.apply(c.cfg)
	if err := next.Validate(); err != nil {
		c.cfgMu.Unlock()
		return err
	}
	c.cfg = next

	switch {
	case next.RequestsPerSecond <= 0:
		c.limiter = nil
	case c.limiter == nil:
		c.limiter = rate.NewLimiter(rate.Limit(next.RequestsPerSecond), burstFor(next.RequestsPerSecond))
	default:
		c.limiter.SetLimit(rate.Limit(next.RequestsPerSecond))
		c.limiter.SetBurst(burstFor(next.RequestsPerSecond))
	}
	c.cfgMu.Unlock()

	c.cache.Configure(next.CacheMaxSize, next.CacheTTL, next.StaleWhileRevalidate)
	c.logger.Info().Msg("Configuration updated")
	return nil
}

// Close stops background work. The client must not be used afterwards.
func (c *Client) Close() {
	c.cache.Close()
}

// Execute runs a typed operation through cl's pipeline. Values hydrated
// from a shared cache store arrive as raw JSON and are unmarshaled into
// T transparently.
func Execute[T any](ctx context.Context, cl *Client, name string, op func(ctx context.Context) (T, *Meta, error), opts ...CallOption) (T, error) {
	var zero T

	val, err := cl.Execute(ctx, name, func(ctx context.Context) (any, *Meta, error) {
		return op(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}

	if v, ok := val.(T); ok {
		return v, nil
	}
	if raw, ok := val.(json.RawMessage); ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, &ClassifiedError{
				Code:    CodeUnknown,
				Message: "decode cached value",
				Err:     err,
			}
		}
		return out, nil
	}
	return zero, &ClassifiedError{
		Code:    CodeUnknown,
		Message: fmt.Sprintf("unexpected value type %T", val),
	}
}
