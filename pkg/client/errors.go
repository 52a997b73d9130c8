package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrBodyTooLarge is returned by HTTPTransport when a response body
	// exceeds the size limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassNoData represents an SDMX "no results" reply. It is not a
	// failure: the client returns it as an empty successful response.
	ErrorClassNoData ErrorClass = "no_data"

	// ErrorClassTooLarge represents a response body over the size limit.
	// Repeating the request returns the same body, so it is permanent.
	ErrorClassTooLarge ErrorClass = "too_large"
)

// transientStatus lists the HTTP statuses that are retried.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// FetchError represents a failed SDMX request with additional context.
type FetchError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	URL        string
	Err        error

	// Attempts is the number of requests issued before giving up.
	Attempts int
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("SDMX %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("SDMX %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the request may succeed when repeated.
func (e *FetchError) Transient() bool {
	if e.ErrorClass == ErrorClassNetwork {
		return true
	}
	return transientStatus[e.StatusCode]
}

// IsTransient reports whether err is a FetchError worth retrying.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient()
}

// shouldRetry determines if an error class is retried at all.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors are permanent; repeating them only burns quota.
		return false
	case ErrorClassServer:
		return true
	case ErrorClassRateLimit:
		return true
	case ErrorClassNetwork:
		return true
	default:
		return false
	}
}
