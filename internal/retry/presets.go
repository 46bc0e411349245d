package retry

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Classified is implemented by errors that know whether retrying can help.
type Classified interface {
	Retryable() bool
}

// Delayed is implemented by errors that carry a server-requested wait.
type Delayed interface {
	RetryAfter() time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as never worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err may succeed on another attempt. Errors
// without a classification are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var classified Classified
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

// TrackerPolicy is the preset for calls against the tracker: 3 attempts,
// 1s doubling up to 10s. Auth, permission, not-found and validation
// failures are fatal.
func TrackerPolicy() Policy {
	return Policy{
		Name:          "tracker",
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
		NonRetryable: func(err error) bool {
			return !IsRetryable(err)
		},
		MinDelay: retryAfter,
	}
}

// StorePolicy is the preset for local store writes: 2 attempts, 0.5s
// doubling up to 5s. Constraint violations are fatal.
func StorePolicy() Policy {
	return Policy{
		Name:          "store",
		MaxAttempts:   2,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
		NonRetryable: func(err error) bool {
			return IsConstraintViolation(err) || !IsRetryable(err)
		},
	}
}

// IsConstraintViolation reports Postgres integrity constraint errors (class 23).
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}

func retryAfter(err error) time.Duration {
	var delayed Delayed
	if errors.As(err, &delayed) {
		return delayed.RetryAfter()
	}
	return 0
}
