package client

import (
	"context"
	"time"
)

// TimeoutKind selects a per-operation-class deadline, so one
// misconfigured global timeout cannot starve a whole class of calls.
type TimeoutKind string

const (
	// TimeoutDefault applies the configured default deadline.
	TimeoutDefault TimeoutKind = "default"

	// TimeoutConnect applies the (usually shorter) connection deadline.
	TimeoutConnect TimeoutKind = "connect"

	// TimeoutDatabase applies the default deadline capped at
	// maxDatabaseTimeout regardless of configuration.
	TimeoutDatabase TimeoutKind = "database"
)

// maxDatabaseTimeout bounds database-class operations no matter how
// generous the configured default is.
const maxDatabaseTimeout = 30 * time.Second

// timeoutFor resolves the deadline for an operation class.
func timeoutFor(kind TimeoutKind, defaultTimeout, connectionTimeout time.Duration) time.Duration {
	switch kind {
	case TimeoutConnect:
		return connectionTimeout
	case TimeoutDatabase:
		if defaultTimeout > maxDatabaseTimeout {
			return maxDatabaseTimeout
		}
		return defaultTimeout
	default:
		return defaultTimeout
	}
}

// runWithTimeout runs one attempt under a deadline. A context already
// cancelled fails immediately without invoking op. The operation
// receives the deadline context and is expected to abort its own I/O;
// if it cannot, the logical call still fails on schedule while the
// attempt goroutine runs to completion in the background. Transports
// must therefore carry their own timeouts as a backstop for that leak.
func runWithTimeout(ctx context.Context, timeout time.Duration, op Operation) (any, *Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if timeout <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val  any
		meta *Meta
		err  error
	}
	done := make(chan result, 1)
	go func() {
		val, meta, err := op(tctx)
		done <- result{val, meta, err}
	}()

	select {
	case r := <-done:
		return r.val, r.meta, r.err
	case <-tctx.Done():
		return nil, nil, tctx.Err()
	}
}
