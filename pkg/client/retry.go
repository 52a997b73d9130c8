package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	sdmxRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdmx_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	sdmxRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdmx_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	sdmxRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdmx_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps any single backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration: up to five
// attempts with 1s, 2s, 4s, 8s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ForClass returns the configuration tuned for an error class. Rate limit
// replies back off five times longer, network errors twice as long.
func (c RetryConfig) ForClass(errorClass ErrorClass) RetryConfig {
	out := c
	switch errorClass {
	case ErrorClassRateLimit:
		out.InitialBackoff = c.InitialBackoff * 5
	case ErrorClassNetwork:
		out.InitialBackoff = c.InitialBackoff * 2
	}
	if out.MaxBackoff > 0 && out.InitialBackoff > out.MaxBackoff {
		out.InitialBackoff = out.MaxBackoff
	}
	return out
}

// backoff returns the un-jittered wait after the given failed attempt.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(d)
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

type sleepFunc func(ctx context.Context, d time.Duration) error

// retryWithBackoff executes fn with exponential backoff retry logic. classify
// maps a failure to its error class; the class picks the backoff tuning and
// whether the failure is retried. It returns the number of attempts made.
func retryWithBackoff(
	ctx context.Context,
	config RetryConfig,
	sleep sleepFunc,
	logger zerolog.Logger,
	fn func(attempt int) error,
	classify func(error) ErrorClass,
) (int, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	var errorClass ErrorClass
	attempt := 1
	for ; attempt <= config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return attempt, nil
		}

		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, fmt.Errorf("%w: %v", ErrContextCancelled, ctxErr)
		}

		errorClass = classify(err)
		if !retryable(err, errorClass) {
			return attempt, lastErr
		}

		if attempt >= config.MaxAttempts {
			break
		}

		sdmxRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		wait := jitter(config.ForClass(errorClass).backoff(attempt))
		sdmxRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return attempt, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	sdmxRetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	logger.Error().
		Err(lastErr).
		Str("error_class", string(errorClass)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return config.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}

func retryable(err error, errorClass ErrorClass) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return shouldRetry(errorClass)
}
