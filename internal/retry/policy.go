// Package retry implements the exponential-backoff-with-jitter executor used
// for every remote call made by the sync engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = time.Second
	DefaultBackoffFactor  = 2.0
	DefaultMaxDelay       = 30 * time.Second
	DefaultJitterFraction = 0.25

	// maxFloorFactor caps MinDelay at this multiple of MaxDelay.
	maxFloorFactor = 3
)

// Policy describes how an operation is retried. Zero fields take defaults.
type Policy struct {
	Name           string
	MaxAttempts    int
	InitialDelay   time.Duration
	BackoffFactor  float64
	MaxDelay       time.Duration
	DisableJitter  bool
	JitterFraction float64

	// NonRetryable reports errors that must be returned without another attempt.
	NonRetryable func(error) bool
	// MinDelay lets an error demand a longer wait, e.g. a Retry-After header.
	// The result is capped at three times MaxDelay.
	MinDelay func(error) time.Duration
	// OnRetry is invoked before every backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
	// Sleep replaces the context-aware sleep; tests use it to skip waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// FatalError wraps a non-retryable failure with the attempt it happened on.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("attempt %d: %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// AttemptsOf returns how many attempts produced err, or 0 when unknown.
func AttemptsOf(err error) int {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Attempts
	}
	return 0
}

// Execute runs op until it succeeds, fails fatally or attempts run out.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op under the policy and returns its result.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, &FatalError{Attempts: attempt, Err: err}
		}
		if p.NonRetryable != nil && p.NonRetryable(err) {
			return zero, &FatalError{Attempts: attempt, Err: err}
		}
		if attempt >= p.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := p.Backoff(attempt)
		if p.MinDelay != nil {
			if floor := p.clampFloor(p.MinDelay(err)); floor > delay {
				delay = floor
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
		if sleepErr := p.Sleep(ctx, delay); sleepErr != nil {
			return zero, &FatalError{Attempts: attempt, Err: err}
		}
	}
}

// clampFloor bounds a server-supplied delay so a huge Retry-After cannot
// park the caller for hours.
func (p Policy) clampFloor(floor time.Duration) time.Duration {
	if limit := maxFloorFactor * p.MaxDelay; floor > limit {
		return limit
	}
	return floor
}

// Backoff returns the jittered delay to wait after the given failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	return p.jitter(p.baseDelay(attempt))
}

func (p Policy) baseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.DisableJitter || p.JitterFraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.JitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = DefaultJitterFraction
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
