// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
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

// ParseLevel validates a level name from configuration or the environment.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Setup configures the global zerolog logger. Long fetch runs are followed
// in a terminal, so Pretty output uses a short time format.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// zerologLevel converts LogLevel to zerolog.Level. Unknown levels map to info.
func zerologLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
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
//   - Chunk cache hits and misses
//   - Governor waits below 10s and spacing delays
//   - Error classification of single attempts
//
// Info: Normal operation events
//   - Fetch plan start and finish, per-chunk completion
//   - Recipe store writes
//   - Probe success
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Per-task failures that leave gaps
//   - Quota waits of 10s or more, clamped rate limits
//   - Cache or governor-state persistence errors
//
// Error: Error conditions requiring attention
//   - Retry exhaustion
//   - Unparseable responses
//   - Failed connectivity checks
//
// Context Fields:
//   - component: emitting component (rate-governor, sdmx-client, fetch-engine, ...)
//   - run_id: fetch run identifier
//   - recipe, column, chunk: task identity
//   - url: request URL
//   - status_code: HTTP status code
//   - error_class: client, server, rate_limit, network, no_data
//   - attempt: attempt number
//   - wait: governor wait
//   - completed, planned: progress counters
