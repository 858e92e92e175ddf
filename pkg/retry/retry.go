// Package retry provides bounded retry helpers for transient failures.
//
// Two policies cover everything the engine retries: a fixed pause with a
// total time bound (write-lock acquisition) and a fixed attempt count
// (address-collision retry). Failures that must not be retried are
// wrapped with Stop.
//
//	err := retry.Fixed(ctx, 100*time.Millisecond, 5*time.Second, func() error {
//		return tryLock()
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryableFunc is the operation being retried.
type RetryableFunc func() error

// Fixed retries fn with a fixed pause between attempts until it
// succeeds, the total wait exceeds bound, or the context is done. The
// last error is returned wrapped when the bound is exhausted.
func Fixed(ctx context.Context, pause, bound time.Duration, fn RetryableFunc) error {
	deadline := time.Now().Add(bound)
	var lastErr error
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if IsStopError(err) {
			var stopErr StopError
			errors.As(err, &stopErr)
			return stopErr.Err
		}
		lastErr = err
		if time.Now().Add(pause).After(deadline) {
			return fmt.Errorf("retry bound %v exceeded: %w", bound, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
		case <-time.After(pause):
		}
	}
}

// Attempts retries fn up to maxAttempts times with no pause. Used where
// each attempt already regenerates its input, such as synthesizing a
// fresh random address after a collision.
func Attempts(maxAttempts int, fn RetryableFunc) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if IsStopError(err) {
			var stopErr StopError
			errors.As(err, &stopErr)
			return stopErr.Err
		}
		lastErr = err
	}
	return lastErr
}

// StopError wraps an error to indicate that retries should stop immediately.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
