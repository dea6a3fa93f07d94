// Package retry runs remote calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy says how often and how patiently to retry.
type Policy struct {
	Attempts int           // total calls, including the first; values below 1 mean 1
	Backoff  time.Duration // delay after the first failure, doubled after each one

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Error reports a call that never succeeded: either every attempt failed with
// a retryable error or the context ended while waiting to retry.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as final. Do returns it unwrapped without another
// attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do calls fn until it returns nil or a Permanent error, or the policy runs
// out of attempts. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	delay := max(p.Backoff, 0)

	var last error
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err

		if attempt >= attempts {
			return &Error{Attempts: attempt, Err: last}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return &Error{Attempts: attempt, Err: err}
		}
		delay *= 2
	}
}

// Sleep waits for d or until ctx is done. A non-positive d only checks ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
