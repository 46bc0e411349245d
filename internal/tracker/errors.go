package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies tracker failures.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindRateLimited  ErrorKind = "rate_limited"
	KindTransient    ErrorKind = "transient"
)

// Error is the typed error returned by every Client method.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	After      time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("tracker %s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("tracker %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// RetryAfter returns the wait the tracker asked for, if any.
func (e *Error) RetryAfter() time.Duration {
	return e.After
}

// Fatal reports whether the error needs an operator or a payload fix.
func (e *Error) Fatal() bool {
	return !e.Retryable()
}

// KindOf returns the kind of a tracker error, or an empty kind.
func KindOf(err error) ErrorKind {
	var trackerErr *Error
	if errors.As(err, &trackerErr) {
		return trackerErr.Kind
	}
	return ""
}

// IsKind reports whether err is a tracker error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err is a tracker error that must not be retried.
func IsFatal(err error) bool {
	var trackerErr *Error
	if errors.As(err, &trackerErr) {
		return trackerErr.Fatal()
	}
	return false
}

// classify builds a typed error from an HTTP response and transport error.
func classify(op string, resp *http.Response, err error, message string) *Error {
	// No response means the request never completed: network failure,
	// timeout or a cancelled context.
	if resp == nil {
		return &Error{Kind: KindTransient, Op: op, Err: err, Message: message}
	}

	out := &Error{Op: op, StatusCode: resp.StatusCode, Err: err, Message: message}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		out.Kind = KindUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		out.Kind = KindForbidden
	case resp.StatusCode == http.StatusNotFound:
		out.Kind = KindNotFound
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		out.Kind = KindValidation
	case resp.StatusCode == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
		out.After = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		out.Kind = KindTransient
	default:
		out.Kind = KindValidation
	}
	return out
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
