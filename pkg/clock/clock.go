// Package clock provides an injectable time source so backoff, cache aging
// and rate-limit waits are deterministic in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time capability consumed by the resilience components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, whichever comes first.
	// Returns the context error on cancellation, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// New returns a Clock backed by the wall clock.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake is a manually advanced clock for tests. Sleepers block until
// Advance moves the clock past their deadline.
type Fake struct {
	mu       sync.Mutex
	cond     *sync.Cond
	now      time.Time
	sleepers []*fakeSleeper
}

type fakeSleeper struct {
	until time.Time
	ch    chan struct{}
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	f.mu.Lock()
	s := &fakeSleeper{until: f.now.Add(d), ch: make(chan struct{})}
	f.sleepers = append(f.sleepers, s)
	f.cond.Broadcast()
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		f.remove(s)
		return ctx.Err()
	case <-s.ch:
		return nil
	}
}

// Advance moves the clock forward and releases every sleeper whose
// deadline has been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	remaining := f.sleepers[:0]
	for _, s := range f.sleepers {
		if !s.until.After(f.now) {
			close(s.ch)
		} else {
			remaining = append(remaining, s)
		}
	}
	f.sleepers = remaining
	f.cond.Broadcast()
}

// BlockUntil waits until at least n sleepers are registered. Tests use it
// to synchronize with a goroutine that is about to sleep before advancing.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.sleepers) < n {
		f.cond.Wait()
	}
}

func (f *Fake) remove(target *fakeSleeper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sleepers {
		if s == target {
			f.sleepers = append(f.sleepers[:i], f.sleepers[i+1:]...)
			return
		}
	}
}
