// Package errors defines the unified error types for resilience decisions.
// Admission and isolation failures surface as these typed errors; the
// surrounding web layer maps them to transport responses (429/503 with
// Retry-After and the like).
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// FailureKind tags a dependency failure with one of a closed set of kinds.
// Wrapped calls report the kind explicitly via Tag; the circuit breaker
// counts only kinds listed in its expected set, so an unrelated bug can
// never trip a breaker for a healthy dependency.
type FailureKind string

const (
	// KindTransient marks a retryable dependency failure (5xx, connection reset).
	KindTransient FailureKind = "transient"
	// KindTimeout marks a call that exceeded its deadline.
	KindTimeout FailureKind = "timeout"
	// KindUnavailable marks a dependency that refused or could not accept the call.
	KindUnavailable FailureKind = "unavailable"
	// KindRateLimited marks a dependency-side throttling response.
	KindRateLimited FailureKind = "rate_limited"
)

// DependencyError carries a FailureKind alongside the underlying error.
type DependencyError struct {
	Kind FailureKind
	Err  error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Tag wraps err with an explicit failure kind. A nil err returns nil.
func Tag(kind FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err, if it carries one.
func KindOf(err error) (FailureKind, bool) {
	var de *DependencyError
	if stderrors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// CircuitOpenError is returned when a call is rejected because its circuit
// breaker is open and the recovery timeout has not elapsed yet.
type CircuitOpenError struct {
	Circuit     string
	NextAttempt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, next attempt at %s",
		e.Circuit, e.NextAttempt.Format(time.RFC3339))
}

// HTTPStatusCode returns the transport status the web layer should emit.
func (e *CircuitOpenError) HTTPStatusCode() int { return http.StatusServiceUnavailable }

// CircuitTimeoutError is returned when a wrapped call exceeded the breaker's
// call timeout. It is counted as its own failure kind.
type CircuitTimeoutError struct {
	Circuit string
	Timeout time.Duration
}

func (e *CircuitTimeoutError) Error() string {
	return fmt.Sprintf("circuit %q: call exceeded timeout of %s", e.Circuit, e.Timeout)
}

func (e *CircuitTimeoutError) HTTPStatusCode() int { return http.StatusGatewayTimeout }

// RateLimitError is returned when a request is denied by the rate limiter.
type RateLimitError struct {
	ClientID   string
	LimitType  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for client %q (%s), retry after %s",
		e.ClientID, e.LimitType, e.RetryAfter)
}

func (e *RateLimitError) HTTPStatusCode() int { return http.StatusTooManyRequests }

// Backpressure rejection reasons.
const (
	ReasonRejected  = "rejected"
	ReasonEvicted   = "evicted"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonShutdown  = "shutdown"
)

// BackpressureError is returned for tasks that were rejected, evicted,
// cancelled, or timed out by a backpressure handler.
type BackpressureError struct {
	Handler string
	Reason  string
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure handler %q: task %s", e.Handler, e.Reason)
}

func (e *BackpressureError) HTTPStatusCode() int { return http.StatusServiceUnavailable }

// IsCircuitOpen reports whether err is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return stderrors.As(err, &e)
}

// IsCircuitTimeout reports whether err is a CircuitTimeoutError.
func IsCircuitTimeout(err error) bool {
	var e *CircuitTimeoutError
	return stderrors.As(err, &e)
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return stderrors.As(err, &e)
}

// IsBackpressure reports whether err is a BackpressureError.
func IsBackpressure(err error) bool {
	var e *BackpressureError
	return stderrors.As(err, &e)
}
