package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

// Defaults applied by NewManager when an option is zero.
const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Options configures a Manager.
type Options struct {
	// Name labels metrics and log lines, usually the owning client name.
	Name string

	// MaxSize caps the number of in-memory entries.
	MaxSize int

	// TTL is the default freshness lifetime for entries stored without an
	// explicit TTL.
	TTL time.Duration

	// StaleWhileRevalidate allows serving entries past their TTL (up to
	// twice the TTL) while the caller refreshes them.
	StaleWhileRevalidate bool

	// SweepInterval is how often expired entries are purged in the
	// background. Zero disables the sweeper.
	SweepInterval time.Duration

	// Shared is an optional second-level store (e.g. Redis) consulted on
	// memory misses and written through on Set.
	Shared Store

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Manager is a bounded in-memory cache with TTL freshness, a
// stale-while-revalidate window, and frequency-aware eviction. An
// optional shared store adds a process-spanning second level.
// Safe for concurrent use.
type Manager struct {
	name   string
	clk    clock.Clock
	logger zerolog.Logger
	shared Store

	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
	ttl     time.Duration
	swr     bool

	sweepCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewManager creates a cache manager and starts its background sweeper
// when Options.SweepInterval is non-zero.
func NewManager(opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	m := &Manager{
		name:    opts.Name,
		clk:     opts.Clock,
		logger:  opts.Logger.With().Str("component", "cache").Logger(),
		shared:  opts.Shared,
		entries: make(map[string]*entry),
		maxSize: opts.MaxSize,
		ttl:     opts.TTL,
		swr:     opts.StaleWhileRevalidate,
	}

	if opts.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.sweepCancel = cancel
		go m.sweep(ctx, opts.SweepInterval)
	}
	return m
}

// Get looks up a key. Entries within their TTL are fresh hits; entries
// between one and two TTLs are stale hits when stale serving is enabled.
// Anything older is purged. On a memory miss the shared store is
// consulted and usable entries are hydrated into memory.
func (m *Manager) Get(ctx context.Context, key string) Lookup {
	now := m.clk.Now()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		switch {
		case !e.usable(now):
			delete(m.entries, key)
			cacheSize.WithLabelValues(m.name).Set(float64(len(m.entries)))
			cacheEvictionsTotal.WithLabelValues(m.name, "expired").Inc()
		case e.fresh(now):
			e.lastAccess = now
			e.accessCount++
			data := e.data
			m.mu.Unlock()
			return Lookup{Hit: true, Data: data}
		case m.swr:
			e.lastAccess = now
			e.accessCount++
			data := e.data
			m.mu.Unlock()
			return Lookup{Hit: true, Stale: true, Data: data}
		default:
			// Stale serving disabled: an expired entry is a miss.
			delete(m.entries, key)
			cacheSize.WithLabelValues(m.name).Set(float64(len(m.entries)))
			cacheEvictionsTotal.WithLabelValues(m.name, "expired").Inc()
		}
	}
	m.mu.Unlock()

	if m.shared == nil {
		return Lookup{}
	}
	return m.lookupShared(ctx, key, now)
}

// lookupShared consults the second-level store after a memory miss.
func (m *Manager) lookupShared(ctx context.Context, key string, now time.Time) Lookup {
	se, err := m.shared.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			cacheSharedErrorsTotal.WithLabelValues(m.name, "get").Inc()
			m.logger.Warn().Err(err).Str("cache_key", key).Msg("Shared cache read failed")
		}
		return Lookup{}
	}

	age := now.Sub(se.StoredAt)
	if age > 2*se.TTL {
		// Dead entry another process has not cleaned up yet.
		if err := m.shared.Delete(ctx, key); err != nil {
			cacheSharedErrorsTotal.WithLabelValues(m.name, "delete").Inc()
		}
		return Lookup{}
	}

	m.mu.Lock()
	stale := age > se.TTL
	if stale && !m.swr {
		m.mu.Unlock()
		return Lookup{}
	}
	m.storeLocked(key, se.Data, se.StoredAt, se.TTL, now)
	m.mu.Unlock()

	return Lookup{Hit: true, Stale: stale, Data: se.Data}
}

// Set stores a value under key. A non-positive ttl uses the manager
// default. The value is written through to the shared store when one is
// configured.
func (m *Manager) Set(ctx context.Context, key string, data any, ttl time.Duration) {
	now := m.clk.Now()

	m.mu.Lock()
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.storeLocked(key, data, now, ttl, now)
	m.mu.Unlock()

	if m.shared == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.Debug().Err(err).Str("cache_key", key).
			Msg("Value not shareable, skipping write-through")
		return
	}
	se := &Entry{Data: raw, StoredAt: now, TTL: ttl}
	// Keep the shared copy alive through the stale window.
	if err := m.shared.Set(ctx, key, se, 2*ttl); err != nil {
		cacheSharedErrorsTotal.WithLabelValues(m.name, "set").Inc()
		m.logger.Warn().Err(err).Str("cache_key", key).Msg("Shared cache write failed")
	}
}

// storeLocked inserts or overwrites an entry. Inserting a new key at
// capacity evicts the entry with the highest idle/frequency score;
// overwriting an existing key never evicts. Caller holds m.mu.
func (m *Manager) storeLocked(key string, data any, storedAt time.Time, ttl time.Duration, now time.Time) {
	if e, ok := m.entries[key]; ok {
		e.data = data
		e.storedAt = storedAt
		e.ttl = ttl
		e.lastAccess = now
		e.accessCount = 0
		return
	}

	if len(m.entries) >= m.maxSize {
		m.evictLocked(now)
	}
	m.entries[key] = &entry{
		data:       data,
		storedAt:   storedAt,
		ttl:        ttl,
		lastAccess: now,
	}
	cacheSize.WithLabelValues(m.name).Set(float64(len(m.entries)))
}

// evictLocked removes the entry scoring highest on idle time discounted
// by access count. Caller holds m.mu.
func (m *Manager) evictLocked(now time.Time) {
	var victim string
	best := -1.0
	for key, e := range m.entries {
		if score := e.evictionScore(now); score > best {
			best = score
			victim = key
		}
	}
	if victim == "" {
		return
	}
	delete(m.entries, victim)
	cacheEvictionsTotal.WithLabelValues(m.name, "lru").Inc()
	m.logger.Debug().Str("cache_key", victim).Msg("Evicted cache entry")
}

// Has reports whether a usable (fresh or servable-stale) entry exists
// in memory. Access statistics are not touched.
func (m *Manager) Has(key string) bool {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.fresh(now) {
		return true
	}
	return m.swr && e.usable(now)
}

// Delete removes a key from memory and the shared store.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	cacheSize.WithLabelValues(m.name).Set(float64(len(m.entries)))
	m.mu.Unlock()

	if m.shared != nil {
		if err := m.shared.Delete(ctx, key); err != nil {
			cacheSharedErrorsTotal.WithLabelValues(m.name, "delete").Inc()
		}
	}
}

// Invalidate removes all keys matching a glob pattern ("guilds/*") and
// returns the number of in-memory entries removed. A malformed pattern
// falls back to exact-key matching.
func (m *Manager) Invalidate(ctx context.Context, pattern string) int {
	m.mu.Lock()
	removed := 0
	for key := range m.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			matched = key == pattern
		}
		if matched {
			delete(m.entries, key)
			removed++
		}
	}
	cacheSize.WithLabelValues(m.name).Set(float64(len(m.entries)))
	m.mu.Unlock()

	if m.shared != nil {
		if _, err := m.shared.Invalidate(ctx, pattern); err != nil {
			cacheSharedErrorsTotal.WithLabelValues(m.name, "invalidate").Inc()
			m.logger.Warn().Err(err).Str("pattern", pattern).
				Msg("Shared cache invalidation failed")
		}
	}

	m.logger.Info().Str("pattern", pattern).Int("removed", removed).
		Msg("Invalidated cache entries")
	return removed
}

// Clear drops every entry from memory and the shared store.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	cacheSize.WithLabelValues(m.name).Set(0)
	m.mu.Unlock()

	if m.shared != nil {
		if _, err := m.shared.Invalidate(ctx, "*"); err != nil {
			cacheSharedErrorsTotal.WithLabelValues(m.name, "invalidate").Inc()
		}
	}
}

// Len returns the current number of in-memory entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Configure applies new sizing at runtime. Shrinking below the current
// entry count evicts immediately until the cache fits.
func (m *Manager) Configure(maxSize int, ttl time.Duration, swr bool) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxSize > 0 {
		m.maxSize = maxSize
	}
	if ttl > 0 {
		m.ttl = ttl
	}
	m.swr = swr

	for len(m.entries) > m.maxSize {
		m.evictLocked(now)
	}
	cacheSize.WithLabelValues(m.name).Set(float64(len(m.entries)))
}

// Close stops the background sweeper. The shared store is not closed;
// its lifetime belongs to the caller that provided it.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.sweepCancel != nil {
			m.sweepCancel()
		}
	})
}

// sweep periodically purges entries past their usable life.
func (m *Manager) sweep(ctx context.Context, interval time.Duration) {
	for {
		if err := m.clk.Sleep(ctx, interval); err != nil {
			return
		}
		m.sweepOnce()
	}
}

// sweepOnce removes every entry older than twice its TTL.
func (m *Manager) sweepOnce() {
	now := m.clk.Now()

	m.mu.Lock()
	removed := 0
	for key, e := range m.entries {
		if !e.usable(now) {
			delete(m.entries, key)
			removed++
		}
	}
	remaining := len(m.entries)
	m.mu.Unlock()

	if removed > 0 {
		cacheSize.WithLabelValues(m.name).Set(float64(remaining))
		cacheEvictionsTotal.WithLabelValues(m.name, "expired").Add(float64(removed))
		m.logger.Debug().Int("removed", removed).Int("remaining", remaining).
			Msg("Swept expired cache entries")
	}
}
