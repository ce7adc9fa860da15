// Package resolver computes due window transitions for calendar schedules.
//
// It is pure: given a schedule, the set of already-applied transitions and a
// wall-clock instant, it derives what the engine must do next. Nothing is
// cached or mutated, so two concurrent sweeps always derive the same answer
// and the history uniqueness constraint settles any race.
package resolver

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
)

// Applied is the set of (date, action) pairs already recorded in history.
type Applied map[string]struct{}

// Key builds the lookup key for one (date, action) pair.
func Key(date string, action domain.HistoryAction) string {
	return date + "|" + string(action)
}

// AppliedFromHistory builds the applied set from history entries.
// Failed attempts count as applied: one date's failure must not be retried
// by the engine, and must not block other dates.
func AppliedFromHistory(entries []domain.HistoryEntry) Applied {
	applied := make(Applied, len(entries))
	for _, e := range entries {
		applied[Key(e.Date, e.Action)] = struct{}{}
	}
	return applied
}

// Transition is one due window boundary.
type Transition struct {
	AdID         string
	OwnerID      uuid.UUID
	Date         string
	Action       domain.HistoryAction
	TargetStatus domain.AdStatus
}

// DueTransitions returns the boundaries of cs whose trigger time is at or
// before now and which are not yet in applied, ordered by date.
//
// An activate boundary is only due while its window is still open
// (start <= now < end). Once the end boundary has passed, only the pause is
// due: after downtime spanning a whole window, the ad must come out paused,
// never erroneously active past its configured end.
func DueTransitions(cs domain.CalendarSchedule, applied Applied, now time.Time) []Transition {
	now = now.UTC()

	var due []Transition
	for _, w := range cs.Entries {
		status := w.StatusInWindow
		if status == "" {
			status = domain.AdStatusActive
		}

		if !now.Before(w.EndAt) {
			if _, ok := applied[Key(w.Date, domain.ActionPause)]; !ok {
				due = append(due, Transition{
					AdID:         cs.AdID,
					OwnerID:      cs.OwnerID,
					Date:         w.Date,
					Action:       domain.ActionPause,
					TargetStatus: w.OppositeStatus(),
				})
			}
			continue
		}

		if !now.Before(w.StartAt) {
			if _, ok := applied[Key(w.Date, domain.ActionActivate)]; !ok {
				due = append(due, Transition{
					AdID:         cs.AdID,
					OwnerID:      cs.OwnerID,
					Date:         w.Date,
					Action:       domain.ActionActivate,
					TargetStatus: status,
				})
			}
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Date < due[j].Date })
	return due
}

// WindowOpen reports whether the window for date is open at now.
// Derived on demand from the stored instants; never cached.
func WindowOpen(cs domain.CalendarSchedule, date string, now time.Time) bool {
	now = now.UTC()
	for _, w := range cs.Entries {
		if w.Date != date {
			continue
		}
		return !now.Before(w.StartAt) && now.Before(w.EndAt)
	}
	return false
}
