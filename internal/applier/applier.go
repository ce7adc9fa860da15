// Package applier wraps the single external side effect of the engine:
// setting an ad's status on the ads platform. It owns retry, error
// classification and the per-account circuit breaker so the executor never
// has to reason about the platform's failure modes.
package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
	"github.com/adflip/adflip/internal/retry"
)

// TokenProvider returns the stored ads-platform access token for an owner.
// Must return domain.ErrNotConnected when no account is linked.
type TokenProvider interface {
	PlatformToken(ctx context.Context, ownerID uuid.UUID) (string, error)
}

// Client performs the actual platform call.
type Client interface {
	SetStatus(ctx context.Context, token, adID string, status domain.AdStatus) error
}

// Breaker gates calls per owner account.
type Breaker interface {
	Allow(ownerID uuid.UUID) error
	RecordSuccess(ownerID uuid.UUID)
	RecordFailure(ownerID uuid.UUID)
}

// MetricsSink records apply attempts. Fire-and-forget, never blocks.
type MetricsSink interface {
	ApplyAttemptCompleted(attempt int, errClass string, duration time.Duration)
}

type Applier struct {
	tokens  TokenProvider
	client  Client
	policy  retry.Policy
	breaker Breaker     // optional, nil = disabled
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// DefaultPolicy is the bounded local retry for transient network failures:
// three attempts with linear backoff. Credential and throttling errors are
// never retried here; calendar boundaries retry naturally on later sweeps.
func DefaultPolicy() retry.Policy {
	return retry.Linear(3, 2*time.Second, Transient)
}

func New(tokens TokenProvider, client Client, policy retry.Policy) *Applier {
	return &Applier{
		tokens: tokens,
		client: client,
		policy: policy,
		clock:  time.Now,
	}
}

// WithBreaker attaches a per-account circuit breaker.
func (a *Applier) WithBreaker(b Breaker) *Applier {
	a.breaker = b
	return a
}

// WithMetrics attaches a metrics sink.
func (a *Applier) WithMetrics(sink MetricsSink) *Applier {
	a.metrics = sink
	return a
}

// Apply sets the ad's status using the owner's stored token.
// The returned error is classified: domain.ErrNotConnected,
// domain.ErrAuthExpired and domain.ErrRateLimited are terminal for this
// attempt; anything else already exhausted the transient retry budget.
func (a *Applier) Apply(ctx context.Context, ownerID uuid.UUID, adID string, status domain.AdStatus) error {
	if a.breaker != nil {
		if err := a.breaker.Allow(ownerID); err != nil {
			return err
		}
	}

	token, err := a.tokens.PlatformToken(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("platform token: %w", err)
	}

	attempt := 0
	err = a.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		start := a.clock()
		callErr := a.client.SetStatus(ctx, token, adID, status)
		if a.metrics != nil {
			a.metrics.ApplyAttemptCompleted(attempt, ErrClass(callErr), a.clock().Sub(start))
		}
		return callErr
	})

	if a.breaker != nil {
		if err != nil {
			a.breaker.RecordFailure(ownerID)
		} else {
			a.breaker.RecordSuccess(ownerID)
		}
	}
	return err
}

// Transient reports whether err is worth another local attempt.
// Credential problems, throttling and cancellation are not; connectivity
// failures are.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrAuthExpired) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrNotConnected) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ErrClass maps an apply error to a bounded-cardinality metrics label.
func ErrClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "network_error"
	}
}
