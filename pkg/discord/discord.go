// Package discord is the Discord REST call site built on the resilient
// client core. Storefront features read guild and channel data often
// and tolerate slightly stale answers, so responses are cached with
// stale serving enabled and paced by Discord's rate-limit headers.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/merchcord/outbound/pkg/cache"
	"github.com/merchcord/outbound/pkg/client"
)

// DefaultBaseURL is the Discord REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// Config configures the Discord service.
type Config struct {
	// BaseURL overrides the API root, mainly for tests.
	BaseURL string

	// BotToken authenticates requests.
	BotToken string

	// HTTPClient overrides the transport. The default carries its own
	// timeout as a backstop for attempts that cannot be aborted.
	HTTPClient *http.Client
}

// Service issues Discord API calls through the resilience core.
type Service struct {
	core    *client.Client
	http    *http.Client
	baseURL string
	token   string
}

// coreConfig is the Discord-specific tuning: generous timeout and
// breaker because Discord outages are usually brief, long cache TTL
// because guild metadata changes rarely.
func coreConfig() client.Config {
	cfg := client.DefaultConfig("discord")
	cfg.DefaultTimeout = 10 * time.Second
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.CacheTTL = 60 * time.Second
	return cfg
}

// New creates the Discord service. Extra options (clock, logger, shared
// store) pass through to the core client.
func New(cfg Config, opts ...client.Option) (*Service, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	core, err := client.New(coreConfig(), opts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		core:    core,
		http:    cfg.HTTPClient,
		baseURL: cfg.BaseURL,
		token:   cfg.BotToken,
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

// GetGuild fetches one guild, cached per guild ID.
func (s *Service) GetGuild(ctx context.Context, guildID string) (*Guild, error) {
	path := fmt.Sprintf("/guilds/%s", guildID)
	key := cache.Key{Target: "discord", Endpoint: "guilds/" + guildID}
	return client.Execute(ctx, s.core, "get-guild", request[*Guild](s, http.MethodGet, path, nil),
		client.WithCacheKey(key.String()),
		client.WithEndpoint("guilds"),
	)
}

// GetGuildChannels fetches a guild's channel list, cached per guild.
func (s *Service) GetGuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	path := fmt.Sprintf("/guilds/%s/channels", guildID)
	key := cache.Key{Target: "discord", Endpoint: "guilds/" + guildID + "/channels"}
	return client.Execute(ctx, s.core, "get-guild-channels", request[[]Channel](s, http.MethodGet, path, nil),
		client.WithCacheKey(key.String()),
		client.WithEndpoint("guilds"),
	)
}

// GetMember fetches one guild member, cached per guild and user.
func (s *Service) GetMember(ctx context.Context, guildID, userID string) (*Member, error) {
	path := fmt.Sprintf("/guilds/%s/members/%s", guildID, userID)
	key := cache.Key{Target: "discord", Endpoint: "guilds/" + guildID + "/members", Params: map[string]string{"user": userID}}
	return client.Execute(ctx, s.core, "get-member", request[*Member](s, http.MethodGet, path, nil),
		client.WithCacheKey(key.String()),
		client.WithEndpoint("guilds"),
	)
}

// CreateMessage posts a message to a channel. Writes are never cached
// or coalesced; they still get retry, pacing and circuit breaking.
func (s *Service) CreateMessage(ctx context.Context, channelID string, msg CreateMessageRequest) (*Message, error) {
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	return client.Execute(ctx, s.core, "create-message", request[*Message](s, http.MethodPost, path, msg),
		client.WithEndpoint("channels/"+channelID+"/messages"),
	)
}

// InvalidateGuild drops all cached data for one guild.
func (s *Service) InvalidateGuild(ctx context.Context, guildID string) int {
	return s.core.Invalidate(ctx, "discord:guilds/"+guildID+"*")
}

// request builds an operation issuing one HTTP attempt and decoding the
// response into T.
func request[T any](s *Service, method, path string, payload any) func(ctx context.Context) (T, *client.Meta, error) {
	return func(ctx context.Context) (T, *client.Meta, error) {
		var zero T

		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return zero, nil, fmt.Errorf("encode request: %w", err)
			}
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
		if err != nil {
			return zero, nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bot "+s.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
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
