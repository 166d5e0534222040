// Package apperr defines the closed error taxonomy returned by orchestrator
// storage and service layers, so the Control API can translate any failure
// into a structured JSON response without inspecting driver-specific errors.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies one of the taxonomy's error categories.
type Code string

const (
	Validation      Code = "validation"
	NotFound        Code = "not_found"
	Conflict        Code = "conflict"
	Forbidden       Code = "forbidden"
	Unauthenticated Code = "unauthenticated"
	QuotaExceeded   Code = "quota_exceeded"
	RateLimited     Code = "rate_limited"
	LeaseLost       Code = "lease_lost"
	DependencyCycle Code = "dependency_cycle"
	TransientIO     Code = "transient_io"
	Timeout         Code = "timeout"
	ChainBroken     Code = "chain_broken"
	Internal        Code = "internal"
)

// httpStatus maps each code to the status the Control API writes.
var httpStatus = map[Code]int{
	Validation:      http.StatusBadRequest,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Forbidden:       http.StatusForbidden,
	Unauthenticated: http.StatusUnauthorized,
	QuotaExceeded:   http.StatusTooManyRequests,
	RateLimited:     http.StatusTooManyRequests,
	LeaseLost:       http.StatusConflict,
	DependencyCycle: http.StatusUnprocessableEntity,
	TransientIO:     http.StatusServiceUnavailable,
	Timeout:         http.StatusGatewayTimeout,
	ChainBroken:     http.StatusInternalServerError,
	Internal:        http.StatusInternalServerError,
}

// retryable lists codes a caller may legitimately retry without operator
// intervention.
var retryable = map[Code]bool{
	QuotaExceeded: true,
	RateLimited:   true,
	TransientIO:   true,
	Timeout:       true,
}

// Error is the concrete error type every orchestrator component returns
// instead of an ad-hoc wrapped error or a panic.
type Error struct {
	code       Code
	op         string
	message    string
	err        error
	retryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.op != "" {
		if e.err != nil {
			return fmt.Sprintf("%s: %s: %v", e.op, e.message, e.err)
		}
		return fmt.Sprintf("%s: %s", e.op, e.message)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the taxonomy code for this error.
func (e *Error) Code() Code {
	return e.code
}

// HTTPStatus returns the status code the Control API should write.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may retry this operation.
func (e *Error) Retryable() bool {
	return retryable[e.code]
}

// RetryAfter returns the duration a caller should wait before retrying, or
// zero if none was set.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// New creates an Error of the given code with a message.
func New(code Code, op, message string) *Error {
	return &Error{code: code, op: op, message: message}
}

// Wrap creates an Error of the given code, preserving the underlying cause
// for errors.Is/errors.As and logging.
func Wrap(code Code, op, message string, err error) *Error {
	return &Error{code: code, op: op, message: message, err: err}
}

// WithRetryAfter returns a copy of e annotated with a retry-after duration.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.retryAfter = d
	return &cp
}

// Is lets errors.Is(err, apperr.New(Conflict, ...)) match on code alone,
// since every apperr.Error is otherwise a distinct instance.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.code == t.code
}

// CodeOf extracts the Code from err, defaulting to Internal when err is not
// an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Internal
}

// HTTPStatusOf extracts the HTTP status for err, defaulting to 500.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Convenience constructors for the most common call sites.

func NotFoundf(op, format string, args ...any) *Error {
	return New(NotFound, op, fmt.Sprintf(format, args...))
}

func Validationf(op, format string, args ...any) *Error {
	return New(Validation, op, fmt.Sprintf(format, args...))
}

func Conflictf(op, format string, args ...any) *Error {
	return New(Conflict, op, fmt.Sprintf(format, args...))
}

func Forbiddenf(op, format string, args ...any) *Error {
	return New(Forbidden, op, fmt.Sprintf(format, args...))
}

func Internalf(op string, err error) *Error {
	return Wrap(Internal, op, "internal error", err)
}
