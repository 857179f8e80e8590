package cache

import (
	"encoding/json"
	"time"
)

// Lookup is the outcome of a cache read.
type Lookup struct {
	// Hit reports whether usable data was found (fresh or stale).
	Hit bool

	// Stale marks data past its TTL but within the stale-while-revalidate
	// window. Stale data may be served while a refresh is attempted.
	Stale bool

	// Data is the cached value. Values hydrated from a shared store are
	// json.RawMessage and must be unmarshaled by the caller.
	Data any
}

// entry is one in-memory cache slot.
type entry struct {
	data        any
	storedAt    time.Time
	ttl         time.Duration
	lastAccess  time.Time
	accessCount int64
}

// age returns how long the entry has been stored.
func (e *entry) age(now time.Time) time.Duration {
	return now.Sub(e.storedAt)
}

// fresh reports whether the entry is within its TTL.
func (e *entry) fresh(now time.Time) bool {
	return e.age(now) <= e.ttl
}

// usable reports whether the entry may still be served at all. Past
// twice the TTL an entry is dead regardless of stale serving.
func (e *entry) usable(now time.Time) bool {
	return e.age(now) <= 2*e.ttl
}

// evictionScore ranks entries for eviction. Idle time discounted by
// access frequency: rarely used, long-idle entries score highest and
// are evicted first.
func (e *entry) evictionScore(now time.Time) float64 {
	idle := now.Sub(e.lastAccess)
	return float64(idle) / float64(e.accessCount+1)
}

// Entry is the wire form of a cache slot in a shared store. Data stays
// raw so readers with different value types can share one store.
type Entry struct {
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}
