// Package retry holds the single retry policy shared by the status applier
// and the auth collaborator, replacing per-call-site retry loops.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	// MaxAttempts includes the first attempt. Values < 1 mean one attempt.
	MaxAttempts int

	// Backoff is the wait before attempt n+1. Linear by construction of the
	// slice; the last element repeats if attempts exceed its length.
	Backoff []time.Duration

	// Retryable decides whether an error is worth another attempt.
	// nil means nothing is retryable.
	Retryable func(error) bool
}

// Linear returns a policy with maxAttempts attempts and a backoff of
// step, 2*step, 3*step, ...
func Linear(maxAttempts int, step time.Duration, retryable func(error) bool) Policy {
	backoff := make([]time.Duration, 0, maxAttempts)
	for i := 1; i < maxAttempts; i++ {
		backoff = append(backoff, time.Duration(i)*step)
	}
	return Policy{MaxAttempts: maxAttempts, Backoff: backoff, Retryable: retryable}
}

// Do runs fn until it succeeds, exhausts the policy, hits a non-retryable
// error, or ctx is cancelled. Returns the last error.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := p.wait(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (p Policy) wait(ctx context.Context, attempt int) error {
	if len(p.Backoff) == 0 {
		return ctx.Err()
	}
	idx := attempt - 2
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}

	timer := time.NewTimer(p.Backoff[idx])
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
