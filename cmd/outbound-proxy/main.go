// Command outbound-proxy exposes the resilient outbound clients over
// HTTP: proxy routes for storefront lookups, a health endpoint derived
// from client metrics, Prometheus metrics and admin cache operations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/cache"
	"github.com/merchcord/outbound/pkg/client"
	"github.com/merchcord/outbound/pkg/discord"
	"github.com/merchcord/outbound/pkg/exchange"
	"github.com/merchcord/outbound/pkg/logging"
	"github.com/merchcord/outbound/pkg/metrics"
)

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") == "true",
	})

	port := getEnv("PORT", "8080")

	// Optional shared cache tier.
	var store cache.Store
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		store = cache.NewRedisStore(redisClient, "outbound:cache:")
		logger.Info().Str("addr", redisURL).Msg("Shared cache store connected")
	}

	opts := []client.Option{client.WithLogger(logger)}
	if store != nil {
		opts = append(opts, client.WithSharedStore(store))
	}

	services := map[string]*client.Client{}
	mux := http.NewServeMux()

	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		svc, err := discord.New(discord.Config{BotToken: token}, opts...)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Discord service")
		}
		defer svc.Close()
		services["discord"] = svc.Core()
		registerDiscordRoutes(mux, svc, logger)
		logger.Info().Msg("Discord routes enabled")
	}

	if baseURL := os.Getenv("EXCHANGE_URL"); baseURL != "" {
		svc, err := exchange.New(exchange.Config{
			BaseURL: baseURL,
			APIKey:  os.Getenv("EXCHANGE_API_KEY"),
		}, opts...)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create exchange service")
		}
		defer svc.Close()
		services["exchange"] = svc.Core()
		registerExchangeRoutes(mux, svc, logger)
		logger.Info().Msg("Exchange routes enabled")
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", healthHandler(services))
	mux.HandleFunc("POST /admin/cache/invalidate", invalidateHandler(services, logger))
	mux.HandleFunc("POST /admin/metrics/reset", resetHandler(services, logger))

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Starting outbound proxy")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
	}
	logger.Info().Msg("Stopped")
}

func registerDiscordRoutes(mux *http.ServeMux, svc *discord.Service, logger zerolog.Logger) {
	mux.HandleFunc("GET /guilds/{id}", func(w http.ResponseWriter, r *http.Request) {
		guild, err := svc.GetGuild(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, guild)
	})

	mux.HandleFunc("GET /guilds/{id}/channels", func(w http.ResponseWriter, r *http.Request) {
		channels, err := svc.GetGuildChannels(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, channels)
	})
}

func registerExchangeRoutes(mux *http.ServeMux, svc *exchange.Service, logger zerolog.Logger) {
	mux.HandleFunc("GET /rates", func(w http.ResponseWriter, r *http.Request) {
		base := r.URL.Query().Get("base")
		quote := r.URL.Query().Get("quote")
		if base == "" || quote == "" {
			http.Error(w, "base and quote are required", http.StatusBadRequest)
			return
		}
		rate, err := svc.GetRate(r.Context(), base, quote)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, rate)
	})

	mux.HandleFunc("GET /tickers", func(w http.ResponseWriter, r *http.Request) {
		symbols := strings.Split(r.URL.Query().Get("symbols"), ",")
		if len(symbols) == 1 && symbols[0] == "" {
			http.Error(w, "symbols are required", http.StatusBadRequest)
			return
		}
		tickers, err := svc.GetTickers(r.Context(), symbols)
		if err != nil && len(tickers) == 0 {
			writeError(w, logger, err)
			return
		}
		// Partial results are still useful to the storefront.
		writeJSON(w, http.StatusOK, tickers)
	})
}

func healthHandler(services map[string]*client.Client) http.HandlerFunc {
	type health struct {
		Status  metrics.Health              `json:"status"`
		Targets map[string]metrics.Snapshot `json:"targets"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		overall := metrics.HealthHealthy
		targets := make(map[string]metrics.Snapshot, len(services))
		for name, c := range services {
			snap := c.GetMetrics()
			targets[name] = snap
			switch snap.Health {
			case metrics.HealthUnhealthy:
				overall = metrics.HealthUnhealthy
			case metrics.HealthDegraded:
				if overall == metrics.HealthHealthy {
					overall = metrics.HealthDegraded
				}
			}
		}

		status := http.StatusOK
		if overall == metrics.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health{Status: overall, Targets: targets})
	}
}

func invalidateHandler(services map[string]*client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("target")
		pattern := r.URL.Query().Get("pattern")
		c, ok := services[target]
		if !ok {
			http.Error(w, "unknown target", http.StatusNotFound)
			return
		}
		if pattern == "" {
			pattern = "*"
		}

		removed := c.Invalidate(r.Context(), pattern)
		logger.Info().Str("target", target).Str("pattern", pattern).
			Int("removed", removed).Msg("Cache invalidated via admin API")
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	}
}

func resetHandler(services map[string]*client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range services {
			c.ResetMetrics()
		}
		logger.Info().Msg("Metrics reset via admin API")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a classified failure to an HTTP status: upstream
// statuses pass through, timeouts become 504, an open circuit 503.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	code := client.CodeUnknown

	var ce *client.ClassifiedError
	if errors.As(err, &ce) {
		code = ce.Code
		switch {
		case ce.StatusCode != 0:
			status = ce.StatusCode
		case ce.Code == client.CodeTimeout:
			status = http.StatusGatewayTimeout
		case ce.Code == client.CodeCircuitOpen:
			status = http.StatusServiceUnavailable
		}
	}

	logger.Debug().Err(err).Str("error_code", code).Msg("Proxy request failed")
	writeJSON(w, status, map[string]string{"error": code})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
