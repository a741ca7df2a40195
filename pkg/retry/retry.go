// Package retry provides a bounded retry policy with linear backoff.
// The policy is a value injected into callers so the same policy is
// testable independently of any store.
package retry

import (
	"context"
	"time"
)

// Policy configures bounded retries (value type).
type Policy struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Linear backoff: delay = BaseDelay * attempt
}

// DefaultPolicy matches the guard defaults: three attempts, 100ms base.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

// Delay returns the wait before the given retry. Attempts are numbered
// from 1; the delay applies after attempt N fails. This is a PURE function.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}

// attempts returns the bounded attempt count, minimum 1.
func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Halt wraps an error to stop retrying early.
type Halt struct {
	Err error
}

func (h Halt) Error() string { return h.Err.Error() }

func (h Halt) Unwrap() error { return h.Err }

// Stop marks an error as non-retryable.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return Halt{Err: err}
}

// Do runs fn until it succeeds, the attempts are exhausted, the error
// is marked with Stop, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if h, ok := err.(Halt); ok {
			return h.Err
		}
		lastErr = err

		if attempt == p.attempts() {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
