// Package ratelimit tracks per-endpoint rate-limit state parsed from
// response headers and computes proactive waits before new requests are
// issued, so the client paces itself instead of burning 429 responses.
package ratelimit

import (
	"time"
)

// Standard rate-limit response headers understood by the manager.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

// State is the most recently observed rate-limit window for one endpoint
// key. Mutated only by the Manager on response ingestion.
type State struct {
	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is when the window resets.
	ResetAt time.Time

	// Bucket is the server-assigned bucket ID, when present.
	Bucket string

	// Global marks a limit applying to every endpoint of the target.
	Global bool

	// UpdatedAt is when this state was last ingested. Later-settling
	// responses overwrite earlier ones (last-write-wins).
	UpdatedAt time.Time
}

// Exhausted reports whether the window has no requests left.
func (s *State) Exhausted() bool {
	return s.Remaining <= 0
}

// TimeUntilReset returns the wait until the window resets, zero if the
// reset time has passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
