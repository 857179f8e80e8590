// Package dedup coalesces concurrent identical logical requests into a
// single in-flight call whose outcome is shared by every caller.
package dedup

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// flight is one in-flight call. val and err are written before done is
// closed, so waiters may read them without holding a lock.
type flight struct {
	done chan struct{}
	val  any
	err  error
}

// Coordinator tracks in-flight calls by coordination key. At most one
// live entry exists per key; the entry is registered under the map lock
// before the owning call blocks, and removed when the call settles.
type Coordinator struct {
	logger zerolog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// New creates an empty coordinator.
func New(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger,
		flights: make(map[string]*flight),
	}
}

// Do executes fn for the given key, unless an identical call is already in
// flight, in which case the caller waits for that call's outcome instead.
// shared reports whether the result came from another caller's flight.
// A waiter whose ctx is cancelled returns early without affecting the
// owner or other waiters.
func (c *Coordinator) Do(ctx context.Context, key string, fn func() (any, error)) (val any, shared bool, err error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()

		c.logger.Debug().Str("key", key).Msg("Joining in-flight request")
		select {
		case <-f.done:
			return f.val, true, f.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	f.val, f.err = fn()

	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()
	close(f.done)

	return f.val, false, f.err
}

// InFlight returns the number of live entries.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
