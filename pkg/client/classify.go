package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/merchcord/outbound/pkg/ratelimit"
)

// CodeCancelled marks calls abandoned by the caller's context.
const CodeCancelled = "CANCELLED"

// Retryable HTTP statuses: transient server-side and throttling
// responses. Everything else (including other 4xx) is terminal.
var defaultRetryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// Transport errnos known to be transient. Anything off this list is
// treated as terminal rather than guessed at.
var defaultTransportErrnos = map[syscall.Errno]string{
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ECONNABORTED: "ECONNABORTED",
}

// Classifier turns arbitrary operation errors into ClassifiedErrors.
// Unrecognized errors classify as non-retryable: guessing that an
// unknown failure is safe to retry risks hammering a broken upstream.
type Classifier struct {
	retryableStatuses map[int]bool
	transportErrnos   map[syscall.Errno]string
}

// NewClassifier creates a classifier with the default retryable-status
// set and transport-errno allow-list.
func NewClassifier() *Classifier {
	return &Classifier{
		retryableStatuses: defaultRetryableStatuses,
		transportErrnos:   defaultTransportErrnos,
	}
}

// Classify maps an operation error to a ClassifiedError. Errors that
// are already classified pass through unchanged.
func (c *Classifier) Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return c.classifyHTTP(httpErr)
	}

	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{
			Code:    CodeCancelled,
			Message: "call cancelled",
			Err:     err,
		}
	}

	// Errno matching runs first: ETIMEDOUT is also a net.Error whose
	// Timeout() is true and must keep its errno code.
	if code, ok := c.transportCode(err); ok {
		return &ClassifiedError{
			Code:      code,
			Message:   "transient transport failure",
			Retryable: true,
			Err:       err,
		}
	}

	if isTimeout(err) {
		return &ClassifiedError{
			Code:      CodeTimeout,
			Message:   "call timed out",
			Retryable: true,
			Err:       err,
		}
	}

	return &ClassifiedError{
		Code:    CodeUnknown,
		Message: "unclassified failure",
		Err:     err,
	}
}

// classifyHTTP maps a non-2xx response by status code, carrying any
// server-provided retry wait along.
func (c *Classifier) classifyHTTP(httpErr *HTTPError) *ClassifiedError {
	return &ClassifiedError{
		Code:       httpCode(httpErr.StatusCode),
		Message:    httpErr.Status,
		Retryable:  c.retryableStatuses[httpErr.StatusCode],
		StatusCode: httpErr.StatusCode,
		RetryAfter: parseRetryAfter(httpErr.Header),
		Err:        httpErr,
	}
}

// transportCode matches err against the transient-errno allow-list.
func (c *Classifier) transportCode(err error) (string, bool) {
	for errno, code := range c.transportErrnos {
		if errors.Is(err, errno) {
			return code, true
		}
	}
	return "", false
}

// isTimeout detects deadline-style failures across the shapes Go
// produces them in.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// parseRetryAfter reads a server-provided wait in seconds from the
// Retry-After header, falling back to the rate-limit reset-after
// header. Zero when neither parses.
func parseRetryAfter(h http.Header) time.Duration {
	for _, name := range []string{ratelimit.HeaderRetryAfter, ratelimit.HeaderResetAfter} {
		if v := h.Get(name); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}
	return 0
}
