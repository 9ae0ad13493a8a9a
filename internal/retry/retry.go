// Package retry runs operations with bounded attempts and capped exponential
// backoff. Operations report an explicit Result; only Retryable results are
// attempted again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"
)

// Class is the outcome classification of one attempt.
type Class int

const (
	Success Class = iota
	Retryable
	Permanent
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Result is what an attempt returns to the engine loop.
type Result[T any] struct {
	Value T
	Class Class
	Cause error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v, Class: Success} }

// Again reports a transient failure worth another attempt.
func Again[T any](cause error) Result[T] { return Result[T]{Class: Retryable, Cause: cause} }

// Fail reports a failure that must not be retried.
func Fail[T any](cause error) Result[T] { return Result[T]{Class: Permanent, Cause: cause} }

// From classifies a conventional (value, error) pair.
func From[T any](v T, err error) Result[T] {
	if err == nil {
		return Ok(v)
	}
	return Result[T]{Class: Classify(err), Cause: err}
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of each delay added at random; 0 disables it.
	Jitter float64
}

// DefaultPolicy is 3 attempts starting at a 5s delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute, Jitter: 0.1}
}

// Delay returns the wait before attempt k (k >= 2), without jitter:
// min(MaxDelay, BaseDelay * 2^(k-2)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.Jitter*float64(d))
}

// PermanentError is returned when an attempt was classified Permanent.
type PermanentError struct {
	Attempt int
	Cause   error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure on attempt %d: %v", e.Attempt, e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// Do runs op until it succeeds, reports a permanent failure, or the policy
// runs out of attempts. Waiting between attempts honours ctx.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) Result[T]) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.withJitter(p.Delay(attempt)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry wait interrupted: %w", ctx.Err())
			case <-timer.C:
			}
		}
		res := op(ctx)
		switch res.Class {
		case Success:
			return res.Value, nil
		case Permanent:
			return zero, &PermanentError{Attempt: attempt, Cause: res.Cause}
		default:
			last = res.Cause
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Cause: last}
}

// Run adapts a conventional function through Classify.
func Run[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	return Do(ctx, p, func(ctx context.Context) Result[T] {
		return From(fn(ctx))
	})
}

// retryable is implemented by errors that know their own classification.
type retryable interface {
	Retryable() bool
}

// Classify maps an error to Retryable or Permanent. It is a pure function of
// the error value.
func Classify(err error) Class {
	if err == nil {
		return Success
	}
	var r retryable
	if errors.As(err, &r) {
		if r.Retryable() {
			return Retryable
		}
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	return Permanent
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
