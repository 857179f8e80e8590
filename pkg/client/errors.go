package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable error codes attached to classified errors. HTTP failures use
// HTTP_<status> codes built by httpCode.
const (
	CodeTimeout     = "TIMEOUT"
	CodeUnknown     = "UNKNOWN_ERROR"
	CodeCircuitOpen = "CIRCUIT_OPEN"
)

// httpCode builds the error code for an HTTP status, e.g. HTTP_503.
func httpCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// ClassifiedError is the single error shape produced by a client call.
// Callers branch on Code and Retryable rather than on error types or
// message text.
type ClassifiedError struct {
	// Code is a stable machine-readable code (HTTP_503, TIMEOUT, ...).
	Code string

	// Message describes the failure for logs.
	Message string

	// Retryable reports whether retrying the call may help.
	Retryable bool

	// StatusCode is the HTTP status for HTTP failures, zero otherwise.
	StatusCode int

	// RetryAfter is a server-provided wait, when one was sent. It
	// overrides computed backoff.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches two classified errors by code, so callers can compare
// against sentinel-style values with errors.Is.
func (e *ClassifiedError) Is(target error) bool {
	var ce *ClassifiedError
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}

// HTTPError carries a non-2xx response through to classification with
// the headers the rate-limit manager and backoff need.
type HTTPError struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("upstream returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upstream returned %s", e.Status)
}

// asHTTPError unwraps err to an HTTPError, nil when there is none.
func asHTTPError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return nil
}

// NewHTTPError builds an HTTPError from a response's status and headers.
// The body should already be read and limited by the caller.
func NewHTTPError(resp *http.Response, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}
}
