package client

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

// Result is the outcome of a retried call.
type Result struct {
	// Value is the operation's return value on success.
	Value any

	// Meta is the response metadata of the final attempt, when the
	// operation provided any.
	Meta *Meta

	// Err is the classified failure, nil on success.
	Err *ClassifiedError

	// Attempts is the number of network attempts issued (1 on a
	// first-try success).
	Attempts int
}

// runner drives the retry loop for one client: classify the failure,
// back off, try again until the attempt budget is spent.
type runner struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	classifier *Classifier
	clk        clock.Clock
	logger     zerolog.Logger

	// onRetry fires before each backoff sleep, for metrics.
	onRetry func(code string, delay time.Duration)

	// afterAttempt fires after every attempt with its metadata and raw
	// error, so response headers are ingested even from failures.
	afterAttempt func(meta *Meta, err error)
}

// run executes attempt up to maxRetries+1 times. Non-retryable
// failures return immediately; retryable ones back off and try again
// until the budget is exhausted, returning the last classified error.
func (r *runner) run(ctx context.Context, name string, attempt Operation) Result {
	for i := 0; ; i++ {
		val, meta, err := attempt(ctx)
		if r.afterAttempt != nil {
			r.afterAttempt(meta, err)
		}
		if err == nil {
			return Result{Value: val, Meta: meta, Attempts: i + 1}
		}

		ce := r.classifier.Classify(err)
		if !ce.Retryable || i == r.maxRetries {
			return Result{Meta: meta, Err: ce, Attempts: i + 1}
		}

		delay := r.backoff(i, ce)
		if r.onRetry != nil {
			r.onRetry(ce.Code, delay)
		}
		r.logger.Warn().
			Str("operation", name).
			Str("error_code", ce.Code).
			Int("attempt", i+1).
			Dur("backoff", delay).
			Msg("Retrying after failure")

		if err := r.clk.Sleep(ctx, delay); err != nil {
			return Result{Meta: meta, Err: r.classifier.Classify(err), Attempts: i + 1}
		}
	}
}

// backoff computes the wait before the next attempt. A server-provided
// wait is honored verbatim; otherwise exponential growth capped at
// maxDelay, with uniform jitter in [0.75, 1.25] so concurrent callers
// do not retry in lockstep.
func (r *runner) backoff(attempt int, ce *ClassifiedError) time.Duration {
	if ce.RetryAfter > 0 {
		return ce.RetryAfter
	}
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	if max := float64(r.maxDelay); delay > max {
		delay = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(delay * jitter)
}
