package ledger

import (
	"context"
	"time"
)

// RetryPolicy is a reusable bounded-retry loop. Call sites parameterise the
// attempt budget and backoff curve instead of hand-rolling sleep loops.
type RetryPolicy struct {
	// MaxAttempts bounds the number of calls to the wrapped function.
	// Zero means retry until the context is cancelled.
	MaxAttempts int
	// Backoff returns the pause before the given attempt (1-based). Nil
	// means no pause.
	Backoff func(attempt int) time.Duration
}

// ConstantBackoff pauses the same duration between every attempt.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the pause per attempt, bounded by cap.
func ExponentialBackoff(base, cap time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
		if d > cap {
			return cap
		}
		return d
	}
}

// Do invokes fn until it returns nil, the attempt budget is exhausted, or
// the context ends. The context error wins when cancellation races a
// failing attempt; otherwise the last attempt's error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}
		var pause time.Duration
		if p.Backoff != nil {
			pause = p.Backoff(attempt)
		}
		if pause <= 0 {
			continue
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}
