package domain

import (
	"time"

	"github.com/google/uuid"
)

// DateKeyFormat is the canonical form of a calendar date key.
const DateKeyFormat = "2006-01-02"

// DateWindow is one calendar entry: on Date, hold StatusInWindow between
// StartAt and EndAt. Boundaries are absolute UTC instants, normalized at
// write time so evaluation never compares naive local times.
type DateWindow struct {
	Date           string // DateKeyFormat, unique per ad
	StartAt        time.Time
	EndAt          time.Time
	StatusInWindow AdStatus
}

// OppositeStatus returns the status applied when a window closes.
func (w DateWindow) OppositeStatus() AdStatus {
	if w.StatusInWindow == AdStatusPaused {
		return AdStatusActive
	}
	return AdStatusPaused
}

// CalendarSchedule is the recurring per-date window policy for one ad.
// At most one exists per AdID; updates replace the entry set in place.
type CalendarSchedule struct {
	AdID    string
	OwnerID uuid.UUID

	Entries []DateWindow // ordered by Date

	CreatedAt time.Time
	UpdatedAt time.Time
}

type HistoryAction string

const (
	ActionActivate HistoryAction = "activate"
	ActionPause    HistoryAction = "pause"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// HistoryEntry records one transition the engine performed for a calendar
// schedule. Append-only; the UNIQUE (ad_id, date, action) constraint is the
// source of truth for "already executed".
type HistoryEntry struct {
	ID      uuid.UUID
	AdID    string
	OwnerID uuid.UUID

	Date   string
	Action HistoryAction

	ExecutedAt  time.Time
	Outcome     Outcome
	ErrorDetail string
}
