// Package cache implements the client-side response cache: a bounded
// in-memory tier with TTL freshness, a stale-while-revalidate window,
// and frequency-aware eviction, plus an optional Redis-backed shared
// tier so service replicas warm each other's caches.
//
// An entry moves through three phases by age:
//
//	age <= TTL          fresh, served as a normal hit
//	TTL < age <= 2*TTL  stale, served only when stale serving is on
//	age > 2*TTL         dead, purged on read or by the sweeper
//
// Stale entries let the client answer from cache when the upstream is
// down: a read returns the stale value while the caller refreshes it.
//
// When the cache is full, inserting a new key evicts the entry with the
// highest idle-time-per-access score, preferring to drop rarely used
// entries over hot ones regardless of insertion order. Overwriting an
// existing key never evicts.
package cache
