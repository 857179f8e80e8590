package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCoordinator_SingleCallerOwns(t *testing.T) {
	c := New(zerolog.Nop())

	val, shared, err := c.Do(context.Background(), "k", func() (any, error) {
		return 42, nil
	})

	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	if shared {
		t.Error("sole caller should be the owner, not shared")
	}
	if val != 42 {
		t.Errorf("val = %v, want 42", val)
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight = %d after settlement, want 0", c.InFlight())
	}
}

func TestCoordinator_ConcurrentCallsShareOneAttempt(t *testing.T) {
	c := New(zerolog.Nop())

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return "result", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, errs[0] = c.Do(context.Background(), "k", fn)
	}()

	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Do(context.Background(), "k", func() (any, error) {
				calls.Add(1)
				return "wrong", nil
			})
		}(i)
	}

	// Let waiters register, then release the owner.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("underlying calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if results[i] != "result" {
			t.Errorf("caller %d result = %v, want %q", i, results[i], "result")
		}
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight = %d after settlement, want 0", c.InFlight())
	}
}

func TestCoordinator_ErrorSharedByAllCallers(t *testing.T) {
	c := New(zerolog.Nop())
	wantErr := errors.New("upstream exploded")

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errs[0] = c.Do(context.Background(), "k", func() (any, error) {
			close(started)
			<-release
			return nil, wantErr
		})
	}()

	<-started
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = c.Do(context.Background(), "k", func() (any, error) {
				return nil, errors.New("should not run")
			})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("caller %d error = %v, want %v", i, err, wantErr)
		}
	}
}

func TestCoordinator_DistinctKeysRunIndependently(t *testing.T) {
	c := New(zerolog.Nop())

	var calls atomic.Int64
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = c.Do(context.Background(), key, func() (any, error) {
				calls.Add(1)
				return key, nil
			})
		}(key)
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (one per key)", got)
	}
}

func TestCoordinator_WaiterContextCancellation(t *testing.T) {
	c := New(zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = c.Do(context.Background(), "k", func() (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, shared, err := c.Do(ctx, "k", func() (any, error) {
		return nil, errors.New("should not run")
	})

	if !shared {
		t.Error("cancelled waiter should report shared")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCoordinator_EntryRemovedAfterFailure(t *testing.T) {
	c := New(zerolog.Nop())

	_, _, _ = c.Do(context.Background(), "k", func() (any, error) {
		return nil, errors.New("boom")
	})

	if c.InFlight() != 0 {
		t.Errorf("InFlight = %d after failed call, want 0", c.InFlight())
	}

	// A new call for the same key must run again.
	var ran bool
	_, _, _ = c.Do(context.Background(), "k", func() (any, error) {
		ran = true
		return nil, nil
	})
	if !ran {
		t.Error("second call after settlement should execute")
	}
}
