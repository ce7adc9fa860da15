// Package analytics aggregates execution state for reporting. Aggregates
// are computed from the store on every call so they always reflect the
// latest execution outcomes; nothing here is cached.
package analytics

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
)

type Store interface {
	CountSchedulesByState(ctx context.Context, ownerID uuid.UUID) (map[domain.ScheduleState]int, error)
	CountHistoryOutcomes(ctx context.Context, ownerID uuid.UUID) (successes, failures int, err error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// ForOwner returns the owner's aggregate view.
func (s *Service) ForOwner(ctx context.Context, ownerID uuid.UUID) (domain.Analytics, error) {
	states, err := s.store.CountSchedulesByState(ctx, ownerID)
	if err != nil {
		return domain.Analytics{}, fmt.Errorf("count schedules: %w", err)
	}

	successes, failures, err := s.store.CountHistoryOutcomes(ctx, ownerID)
	if err != nil {
		return domain.Analytics{}, fmt.Errorf("count history: %w", err)
	}

	return domain.Analytics{
		SchedulesByState:  states,
		CalendarSuccesses: successes,
		CalendarFailures:  failures,
	}, nil
}
