// Package batch provides parallel fan-out fetching for many keys
// against one downstream target, with partial results on failure.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches.
	MaxConcurrency int

	// Timeout per key fetch.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// result pairs one key with its fetched value or error.
type result[V any] struct {
	key   string
	value V
	err   error
}

// FetchAll fetches every key through a worker pool and returns a map of
// key to value for the keys that succeeded. When any fetch fails, the
// partial map is returned together with the first error, so callers can
// decide whether incomplete data is usable.
func FetchAll[V any](ctx context.Context, keys []string, cfg Config, fetch func(ctx context.Context, key string) (V, error)) (map[string]V, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	start := time.Now()
	results := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	queue := make(chan string, len(keys))
	for _, key := range keys {
		queue <- key
	}
	close(queue)

	out := make(chan result[V], len(keys))

	var wg sync.WaitGroup
	workers := cfg.MaxConcurrency
	if workers > len(keys) {
		workers = len(keys)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for key := range queue {
				select {
				case <-ctx.Done():
					return
				default:
				}

				keyCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
				value, err := fetch(keyCtx, key)
				cancel()

				if err != nil {
					log.Warn().
						Err(err).
						Int("worker_id", workerID).
						Str("key", key).
						Msg("Batch fetch failed for key")
				}

				select {
				case out <- result[V]{key: key, value: value, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var firstErr error
	failed := 0
	for r := range out {
		if r.err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch %s: %w", r.key, r.err)
			}
			continue
		}
		results[r.key] = r.value
	}

	if firstErr != nil {
		log.Warn().
			Int("fetched", len(results)).
			Int("failed", failed).
			Int("total", len(keys)).
			Msg("Batch fetch finished with partial results")
		return results, firstErr
	}

	log.Debug().
		Int("keys", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")
	return results, nil
}
