package domain

import (
	"time"

	"github.com/google/uuid"
)

// AdStatus is the status an ad can be set to on the ads platform.
type AdStatus string

const (
	AdStatusActive AdStatus = "ACTIVE"
	AdStatusPaused AdStatus = "PAUSED"
)

type ScheduleState string

const (
	StatePending   ScheduleState = "pending"
	StateExecuting ScheduleState = "executing"
	StateExecuted  ScheduleState = "executed"
	StateFailed    ScheduleState = "failed"
	StateCancelled ScheduleState = "cancelled"
)

// Terminal reports whether a schedule in this state will never execute again.
func (s ScheduleState) Terminal() bool {
	return s == StateExecuted || s == StateFailed || s == StateCancelled
}

// Schedule is a one-off status change for a single ad.
// State is mutated only through the store's compare-and-set Transition;
// a past DueAt is valid and means "due on the next sweep".
type Schedule struct {
	ID      uuid.UUID
	OwnerID uuid.UUID

	AdID         string
	TargetStatus AdStatus
	DueAt        time.Time

	State     ScheduleState
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}
