package domain

import (
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskKindSimple   TaskKind = "simple"
	TaskKindCalendar TaskKind = "calendar"
)

// ExecutionTask is emitted by the sweeper once a due item has been claimed.
// The executor performs the external status change and records the outcome.
type ExecutionTask struct {
	Kind TaskKind

	// ScheduleID is set for simple tasks only.
	ScheduleID uuid.UUID

	OwnerID      uuid.UUID
	AdID         string
	TargetStatus AdStatus

	// Date and Action are set for calendar tasks only.
	Date   string
	Action HistoryAction

	ClaimedAt time.Time
}
