package applier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
	"github.com/adflip/adflip/internal/retry"
)

// mockTokens returns a fixed token or error.
type mockTokens struct {
	token string
	err   error
}

func (m *mockTokens) PlatformToken(ctx context.Context, ownerID uuid.UUID) (string, error) {
	return m.token, m.err
}

// mockClient fails with errs[i] on call i, succeeding past the end.
type mockClient struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (m *mockClient) SetStatus(ctx context.Context, token, adID string, status domain.AdStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.errs) {
		return m.errs[i]
	}
	return nil
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fastPolicy mirrors DefaultPolicy without the real backoff waits.
func fastPolicy() retry.Policy {
	return retry.Linear(3, time.Millisecond, Transient)
}

// TestApply_RetriesTransientErrors verifies a connectivity failure is
// retried and can succeed within budget.
func TestApply_RetriesTransientErrors(t *testing.T) {
	client := &mockClient{errs: []error{errors.New("connection reset"), errors.New("connection reset")}}
	a := New(&mockTokens{token: "tok"}, client, fastPolicy())

	err := a.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 3", client.callCount())
	}
}

// TestApply_ExhaustsRetryBudget verifies the last transient error surfaces
// after the budget runs out.
func TestApply_ExhaustsRetryBudget(t *testing.T) {
	failure := errors.New("connection reset")
	client := &mockClient{errs: []error{failure, failure, failure, failure}}
	a := New(&mockTokens{token: "tok"}, client, fastPolicy())

	err := a.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive)
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want the transient failure", err)
	}
	if client.callCount() != 3 {
		t.Errorf("calls = %d, want 3", client.callCount())
	}
}

// TestApply_NoRetryOnTerminalErrors verifies credential and throttling
// errors go straight through without another attempt.
func TestApply_NoRetryOnTerminalErrors(t *testing.T) {
	for _, terminal := range []error{
		domain.ErrAuthExpired,
		domain.ErrRateLimited,
		domain.ErrNotConnected,
	} {
		client := &mockClient{errs: []error{terminal}}
		a := New(&mockTokens{token: "tok"}, client, fastPolicy())

		err := a.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive)
		if !errors.Is(err, terminal) {
			t.Errorf("err = %v, want %v", err, terminal)
		}
		if client.callCount() != 1 {
			t.Errorf("%v: calls = %d, want 1", terminal, client.callCount())
		}
	}
}

// TestApply_NotConnected verifies a missing platform account surfaces as
// ErrNotConnected before any platform call.
func TestApply_NotConnected(t *testing.T) {
	client := &mockClient{}
	a := New(&mockTokens{err: domain.ErrNotConnected}, client, fastPolicy())

	err := a.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if client.callCount() != 0 {
		t.Errorf("calls = %d, want 0", client.callCount())
	}
}

// mockBreaker denies every call when open.
type mockBreaker struct {
	open      bool
	successes int
	failures  int
}

func (b *mockBreaker) Allow(ownerID uuid.UUID) error {
	if b.open {
		return errors.New("circuit breaker is open")
	}
	return nil
}
func (b *mockBreaker) RecordSuccess(ownerID uuid.UUID) { b.successes++ }
func (b *mockBreaker) RecordFailure(ownerID uuid.UUID) { b.failures++ }

// TestApply_BreakerOpenShortCircuits verifies an open circuit prevents the
// token fetch and the platform call entirely.
func TestApply_BreakerOpenShortCircuits(t *testing.T) {
	client := &mockClient{}
	a := New(&mockTokens{token: "tok"}, client, fastPolicy()).
		WithBreaker(&mockBreaker{open: true})

	if err := a.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive); err == nil {
		t.Fatal("expected error from open breaker")
	}
	if client.callCount() != 0 {
		t.Errorf("calls = %d, want 0", client.callCount())
	}
}

// TestApply_BreakerRecordsOutcome verifies the breaker sees the final
// outcome, not individual attempts.
func TestApply_BreakerRecordsOutcome(t *testing.T) {
	breaker := &mockBreaker{}
	client := &mockClient{errs: []error{errors.New("reset")}}
	a := New(&mockTokens{token: "tok"}, client, fastPolicy()).WithBreaker(breaker)

	if err := a.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if breaker.successes != 1 || breaker.failures != 0 {
		t.Errorf("breaker saw %d successes / %d failures, want 1/0", breaker.successes, breaker.failures)
	}

	failing := New(&mockTokens{token: "tok"}, &mockClient{errs: []error{domain.ErrAuthExpired}}, fastPolicy()).
		WithBreaker(breaker)
	_ = failing.Apply(context.Background(), uuid.New(), "ad-1", domain.AdStatusActive)
	if breaker.failures != 1 {
		t.Errorf("breaker failures = %d, want 1", breaker.failures)
	}
}

func TestErrClass(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{domain.ErrAuthExpired, "auth_expired"},
		{domain.ErrRateLimited, "rate_limited"},
		{domain.ErrNotConnected, "not_connected"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("dial tcp: refused"), "network_error"},
	}
	for _, tc := range cases {
		if got := ErrClass(tc.err); got != tc.want {
			t.Errorf("ErrClass(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestTransient(t *testing.T) {
	if Transient(nil) {
		t.Error("nil must not be transient")
	}
	if Transient(context.Canceled) {
		t.Error("cancellation must not be transient")
	}
	if Transient(domain.ErrRateLimited) {
		t.Error("rate limiting must not be retried locally")
	}
	if !Transient(errors.New("connection reset")) {
		t.Error("connectivity failures must be transient")
	}
}
