// Package exchange is the currency exchange-rate call site built on the
// resilient client core, used for storefront price conversion. Rates go
// stale fast, so it runs with a short cache TTL, a tight timeout and an
// aggressive breaker, plus local request pacing.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/merchcord/outbound/pkg/batch"
	"github.com/merchcord/outbound/pkg/cache"
	"github.com/merchcord/outbound/pkg/client"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// Config configures the exchange-rate service.
type Config struct {
	// BaseURL is the API root of the rate provider.
	BaseURL string

	// APIKey authenticates requests when the provider requires it.
	APIKey string

	// HTTPClient overrides the transport. The default carries its own
	// timeout as a backstop for attempts that cannot be aborted.
	HTTPClient *http.Client

	// BatchConcurrency bounds parallel ticker fetches, default 5.
	BatchConcurrency int
}

// Rate is one currency conversion rate.
type Rate struct {
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	Rate      float64 `json:"rate"`
	Timestamp int64   `json:"timestamp"`
}

// Ticker is one market ticker snapshot.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume,omitempty"`
}

// Service issues exchange-rate calls through the resilience core.
type Service struct {
	core        *client.Client
	http        *http.Client
	baseURL     string
	apiKey      string
	concurrency int
}

// coreConfig is the exchange-specific tuning: prices go stale within
// seconds, and a flaky rate provider should trip fast rather than delay
// checkout flows.
func coreConfig() client.Config {
	cfg := client.DefaultConfig("exchange")
	cfg.MaxRetries = 2
	cfg.DefaultTimeout = 5 * time.Second
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.CacheTTL = 5 * time.Second
	cfg.CircuitThreshold = 3
	cfg.CircuitCooldown = 30 * time.Second
	cfg.RequestsPerSecond = 10
	return cfg
}

// New creates the exchange service. Extra options (clock, logger,
// shared store) pass through to the core client.
func New(cfg Config, opts ...client.Option) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("exchange: base URL is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 5
	}

	core, err := client.New(coreConfig(), opts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		core:        core,
		http:        cfg.HTTPClient,
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		concurrency: cfg.BatchConcurrency,
	}, nil
}

// Core exposes the underlying resilient client for metrics and admin
// operations.
func (s *Service) Core() *client.Client {
	return s.core
}

// Close releases the core client's resources.
func (s *Service) Close() {
	s.core.Close()
}

// GetRate fetches the conversion rate from base to quote, cached per
// currency pair.
func (s *Service) GetRate(ctx context.Context, base, quote string) (*Rate, error) {
	query := url.Values{"base": {base}, "quote": {quote}}
	key := cache.Key{
		Target:   "exchange",
		Endpoint: "rates",
		Params:   map[string]string{"base": base, "quote": quote},
	}
	return client.Execute(ctx, s.core, "get-rate", get[*Rate](s, "/rates", query),
		client.WithCacheKey(key.String()),
		client.WithEndpoint("rates"),
	)
}

// GetTicker fetches one market ticker, cached per symbol.
func (s *Service) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	query := url.Values{"symbol": {symbol}}
	key := cache.Key{
		Target:   "exchange",
		Endpoint: "tickers",
		Params:   map[string]string{"symbol": symbol},
	}
	return client.Execute(ctx, s.core, "get-ticker", get[*Ticker](s, "/tickers", query),
		client.WithCacheKey(key.String()),
		client.WithEndpoint("tickers"),
	)
}

// GetTickers fans out over the symbols in parallel and returns the
// tickers that could be fetched, keyed by symbol. On partial failure
// the fetched subset is returned with the first error.
func (s *Service) GetTickers(ctx context.Context, symbols []string) (map[string]*Ticker, error) {
	cfg := batch.Config{
		MaxConcurrency: s.concurrency,
		Timeout:        coreConfig().DefaultTimeout,
	}
	return batch.FetchAll(ctx, symbols, cfg, func(ctx context.Context, symbol string) (*Ticker, error) {
		return s.GetTicker(ctx, symbol)
	})
}

// get builds an operation issuing one GET attempt and decoding the
// response into T.
func get[T any](s *Service, path string, query url.Values) func(ctx context.Context) (T, *client.Meta, error) {
	return func(ctx context.Context) (T, *client.Meta, error) {
		var zero T

		u := s.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return zero, nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if s.apiKey != "" {
			req.Header.Set("X-API-Key", s.apiKey)
		}

		resp, err := s.http.Do(req)
		if err != nil {
			return zero, nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return zero, nil, fmt.Errorf("read response: %w", err)
		}

		meta := &client.Meta{StatusCode: resp.StatusCode, Header: resp.Header}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return zero, meta, client.NewHTTPError(resp, data)
		}

		var out T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &out); err != nil {
				return zero, meta, fmt.Errorf("decode response: %w", err)
			}
		}
		return out, meta, nil
	}
}
