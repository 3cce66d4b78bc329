package hub

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NetworkError represents a failure to reach the content host: connection
// refused, reset, DNS failure, or a response body cut short.
type NetworkError struct {
	Operation string // the request that failed (e.g. "stat", "fetch")
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError represents a request that exceeded its deadline without the
// surrounding context being cancelled.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ServerError represents a 5xx response from the content host.
type ServerError struct {
	StatusCode int
	Status     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Status)
}

// RateLimitedError represents a 429 response. RetryAfter is zero when the
// response carried no usable Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by host, retry after %s", e.RetryAfter)
	}

	return "rate limited by host"
}

// NotFoundError represents a 404 for a repo, revision, or file.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.URL)
}

// UnauthorizedError represents a 401 response; the artifact requires a token.
type UnauthorizedError struct {
	URL string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s requires a valid access token", e.URL)
}

// ForbiddenError represents a 403 response; the token lacks access or the
// repo requires accepting an agreement on the host.
type ForbiddenError struct {
	URL string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: access to %s is denied", e.URL)
}

// InvalidResponseError represents a response the client could not make sense
// of: malformed headers, an unexpected status, or a body shape mismatch.
type InvalidResponseError struct {
	Reason string
	Err    error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response: %s", e.Reason)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// ChecksumMismatchError means the staged bytes did not hash to the expected
// digest. The staged file is discarded when this is raised.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// LocalIOError represents a local filesystem failure while staging or
// promoting a file.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// Retryable classifies an error per the retry policy: network failures,
// timeouts, 5xx, and 429 may be retried; everything else is fatal.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		netErr     *NetworkError
		timeoutErr *TimeoutError
		serverErr  *ServerError
		rateErr    *RateLimitedError
	)

	return errors.As(err, &netErr) ||
		errors.As(err, &timeoutErr) ||
		errors.As(err, &serverErr) ||
		errors.As(err, &rateErr)
}

// RetryAfter extracts the host-provided retry delay from an error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		return rateErr.RetryAfter, true
	}

	return 0, false
}
