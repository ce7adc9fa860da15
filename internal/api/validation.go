package api

import (
	"fmt"
	"sort"
	"time"

	"github.com/adflip/adflip/internal/domain"
)

func validateCreateSchedule(req CreateScheduleRequest) (domain.AdStatus, time.Time, error) {
	if req.AdID == "" {
		return "", time.Time{}, fmt.Errorf("ad_id is required")
	}

	status := domain.AdStatus(req.TargetStatus)
	if status != domain.AdStatusActive && status != domain.AdStatusPaused {
		return "", time.Time{}, fmt.Errorf("target_status must be ACTIVE or PAUSED")
	}

	if req.DueAt == "" {
		return "", time.Time{}, fmt.Errorf("due_at is required")
	}
	dueAt, err := time.Parse(time.RFC3339, req.DueAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid due_at: %v", err)
	}

	// A past due_at is deliberate: it creates an immediately-due test
	// schedule picked up by the next sweep.
	return status, dueAt.UTC(), nil
}

// resolveCalendarDates validates the request and normalizes every window
// boundary to an absolute UTC instant.
func resolveCalendarDates(req PutCalendarRequest) ([]domain.DateWindow, error) {
	if len(req.Dates) == 0 {
		return nil, fmt.Errorf("dates is required")
	}

	seen := make(map[string]bool, len(req.Dates))
	windows := make([]domain.DateWindow, 0, len(req.Dates))

	for _, d := range req.Dates {
		if seen[d.Date] {
			return nil, fmt.Errorf("duplicate date %q", d.Date)
		}
		seen[d.Date] = true

		offset := d.UTCOffset
		if offset == "" {
			offset = "+00:00"
		}

		startAt, err := parseBoundary(d.Date, d.StartTime, offset)
		if err != nil {
			return nil, fmt.Errorf("date %q: invalid start_time: %v", d.Date, err)
		}
		endAt, err := parseBoundary(d.Date, d.EndTime, offset)
		if err != nil {
			return nil, fmt.Errorf("date %q: invalid end_time: %v", d.Date, err)
		}
		if !startAt.Before(endAt) {
			return nil, fmt.Errorf("date %q: start_time must be before end_time", d.Date)
		}

		status := domain.AdStatus(d.StatusInWindow)
		if d.StatusInWindow == "" {
			status = domain.AdStatusActive
		} else if status != domain.AdStatusActive && status != domain.AdStatusPaused {
			return nil, fmt.Errorf("date %q: status_in_window must be ACTIVE or PAUSED", d.Date)
		}

		windows = append(windows, domain.DateWindow{
			Date:           d.Date,
			StartAt:        startAt,
			EndAt:          endAt,
			StatusInWindow: status,
		})
	}

	sort.Slice(windows, func(i, j int) bool { return windows[i].Date < windows[j].Date })
	return windows, nil
}

// parseBoundary combines a calendar date, a wall time and an explicit UTC
// offset into one absolute UTC instant. Naive local times never survive
// past this point.
func parseBoundary(date, wallTime, offset string) (time.Time, error) {
	t, err := time.Parse("2006-01-02T15:04Z07:00", date+"T"+wallTime+offset)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func validateDateKey(date string) error {
	_, err := time.Parse(domain.DateKeyFormat, date)
	return err
}
