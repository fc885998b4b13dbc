// Package retry provides a bounded retry loop with pluggable backoff and an
// injectable clock, shared by speech capture and queue receive loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped with the last attempt's error) when every
// attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Clock abstracts sleeping so backoff timing is testable.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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

// RealClock returns a Clock backed by time.Timer.
func RealClock() Clock { return realClock{} }

// Backoff returns the delay before the next attempt. attempt is 1-based and
// refers to the attempt that just failed with err.
type Backoff func(attempt int, err error) time.Duration

// Fixed waits d between attempts.
func Fixed(d time.Duration) Backoff {
	return func(int, error) time.Duration { return d }
}

// Incremental waits base, base+step, base+2*step, ...
func Incremental(base, step time.Duration) Backoff {
	return func(attempt int, _ error) time.Duration {
		return base + time.Duration(attempt-1)*step
	}
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Clock       Clock
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context ends,
// or MaxAttempts is reached. MaxAttempts <= 0 is treated as 1.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	clock := p.Clock
	if clock == nil {
		clock = realClock{}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt, err)
		}
		if err := clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
