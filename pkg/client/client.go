// Package client provides the governed SDMX HTTP client: every attempt passes
// through the rate governor, failures are classified, and transient ones are
// retried with exponential backoff.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/Sternrassler/sdmx-databuilder/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for SDMX client operations.
var (
	sdmxRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdmx_requests_total",
		Help: "Total SDMX requests by kind and status",
	}, []string{"kind", "status"})

	sdmxRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdmx_request_duration_seconds",
		Help:    "SDMX request duration in seconds by kind, governor waits excluded",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	sdmxErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdmx_errors_total",
		Help: "Total SDMX errors by class",
	}, []string{"class"})
)

// Response is the raw outcome of a successful governed request.
type Response struct {
	StatusCode int
	Body       []byte
	Format     Format

	// Attempts is the number of requests issued, retries included.
	Attempts int

	// NoData is set when the API answered that the query matched nothing.
	NoData bool
}

// Client is the governed SDMX client.
type Client struct {
	transport Transport
	governor  *ratelimit.Governor
	retry     RetryConfig
	sleep     sleepFunc
	logger    zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Governor admits every attempt (REQUIRED).
	Governor *ratelimit.Governor

	// Transport defaults to an HTTPTransport built from Timeout and UserAgent.
	Transport Transport

	// UserAgent header sent by the default transport.
	UserAgent string

	// Timeout per request for the default transport.
	Timeout time.Duration

	// Retry tuning.
	Retry RetryConfig

	// Clock is used for backoff sleeps. Defaults to the wall clock.
	Clock ratelimit.Clock
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(governor *ratelimit.Governor, userAgent string) Config {
	return Config{
		Governor:  governor,
		UserAgent: userAgent,
		Timeout:   10 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new SDMX client.
func New(cfg Config) (*Client, error) {
	if cfg.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoff_multiplier must be >= 1 (got %g)", cfg.Retry.BackoffMultiplier)
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Timeout <= 0 {
			return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
		}
		transport = NewHTTPTransport(cfg.Timeout, cfg.UserAgent)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.SystemClock{}
	}

	return &Client{
		transport: transport,
		governor:  cfg.Governor,
		retry:     cfg.Retry,
		sleep:     clock.Sleep,
		logger:    log.With().Str("component", "sdmx-client").Logger(),
	}, nil
}

// Get issues a governed GET for url. A 404 "no results" reply is returned as
// an empty Response with NoData set. Permanent failures are returned as
// *FetchError; exhausted retries wrap ErrRetryExhausted and the last FetchError.
func (c *Client) Get(ctx context.Context, kind ratelimit.Kind, url string, format Format) (*Response, error) {
	logger := c.logger.With().Str("url", url).Str("kind", string(kind)).Logger()

	var resp *Response
	attempts, err := retryWithBackoff(ctx, c.retry, c.sleep, logger, func(attempt int) error {
		if err := c.governor.Acquire(ctx, kind); err != nil {
			return err
		}

		logger.Debug().Int("attempt", attempt).Msg("Executing SDMX request")

		start := time.Now()
		status, body, reqErr := c.transport.Get(ctx, url, format.Accept())
		sdmxRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

		if errors.Is(reqErr, ErrBodyTooLarge) {
			sdmxErrorsTotal.WithLabelValues(string(ErrorClassTooLarge)).Inc()
			sdmxRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(status)).Inc()
			return &FetchError{
				StatusCode: status,
				ErrorClass: ErrorClassTooLarge,
				Message:    "response body too large",
				URL:        url,
				Err:        reqErr,
			}
		}
		if reqErr != nil {
			sdmxErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			sdmxRequestsTotal.WithLabelValues(string(kind), "network_error").Inc()
			return &FetchError{
				StatusCode: status,
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				URL:        url,
				Err:        reqErr,
			}
		}

		sdmxRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(status)).Inc()
		errClass := classifyStatus(status, body)
		switch errClass {
		case "":
			resp = &Response{StatusCode: status, Body: body, Format: format}
			return nil
		case ErrorClassNoData:
			logger.Debug().Int("status_code", status).Msg("Query matched no data")
			resp = &Response{StatusCode: status, Format: format, NoData: true}
			return nil
		}

		sdmxErrorsTotal.WithLabelValues(string(errClass)).Inc()
		logger.Debug().
			Int("status_code", status).
			Str("error_class", string(errClass)).
			Msg("Error classified")
		return &FetchError{
			StatusCode: status,
			ErrorClass: errClass,
			Message:    errorMessage(body),
			URL:        url,
		}
	}, classifyError)

	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			fe.Attempts = attempts
		}
		return nil, err
	}
	resp.Attempts = attempts
	return resp, nil
}

// classifyStatus categorizes a reply. An empty class means success.
func classifyStatus(status int, body []byte) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 404 && isNoData(body):
		return ErrorClassNoData
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		// 1xx/3xx never reach us through net/http's redirect handling.
		return ErrorClassClient
	}
}

func classifyError(err error) ErrorClass {
	if fe, ok := err.(*FetchError); ok {
		return fe.ErrorClass
	}
	return ErrorClassNetwork
}

var noDataMarkers = [][]byte{[]byte("NoResultsFound"), []byte("NoRecordsFound"), []byte("No Results Found")}

func isNoData(body []byte) bool {
	for _, m := range noDataMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// errorMessage returns a short excerpt of an error body for logs.
func errorMessage(body []byte) string {
	const maxLen = 200
	msg := string(bytes.TrimSpace(body))
	if len(msg) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	if msg == "" {
		return "empty response body"
	}
	return msg
}
