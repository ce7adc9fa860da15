// Package circuitbreaker guards the ads-platform API per owner account.
// Repeated failures against one account open its circuit so a broken or
// throttled account cannot burn the whole sweep budget.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type accountState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*accountState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		accounts:  make(map[uuid.UUID]*accountState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow reports whether a call for the owner's account may proceed.
// After the cooldown one probe call is let through (half-open).
func (cb *CircuitBreaker) Allow(ownerID uuid.UUID) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.accounts[ownerID]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(ownerID uuid.UUID) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.accounts[ownerID]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(ownerID uuid.UUID) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.accounts[ownerID]
	if !ok {
		s = &accountState{}
		cb.accounts[ownerID] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}
