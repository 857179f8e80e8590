// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss/stale, key, TTL)
//   - Backoff calculations and retry scheduling
//   - Coalesced duplicate requests
//
// Info: Normal operation events
//   - Requests that succeeded after retries
//   - Rate-limit state updates (healthy)
//   - Circuit closing after a successful probe
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and rate-limit waits
//   - Stale cache data served after retry exhaustion
//   - Shared cache store errors (fallback to memory tier)
//
// Error: Error conditions requiring attention
//   - Retry exhaustion with no stale fallback
//   - Circuit opening
//   - Configuration validation failures
//
// Context Fields:
//   - client: logical downstream target (discord, exchange)
//   - operation: caller-supplied operation name
//   - endpoint: rate-limit endpoint key
//   - attempts: network attempts issued for one logical call
//   - error_code: classified error code (HTTP_503, TIMEOUT, ...)
//   - backoff: computed retry delay
//   - cache_key: cache key for the operation
