package api

import (
	"time"

	"github.com/adflip/adflip/internal/domain"
)

type CreateScheduleRequest struct {
	AdID         string `json:"ad_id"`
	TargetStatus string `json:"target_status"` // ACTIVE or PAUSED
	DueAt        string `json:"due_at"`        // RFC3339; a past instant means "next sweep"
}

type ScheduleResponse struct {
	ID           string `json:"id"`
	AdID         string `json:"ad_id"`
	TargetStatus string `json:"target_status"`
	DueAt        string `json:"due_at"`
	State        string `json:"state"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

// CalendarDateRequest is one window. Times are local to the given UTC
// offset and are normalized to absolute UTC instants at write time.
type CalendarDateRequest struct {
	Date           string `json:"date"`                       // 2006-01-02
	StartTime      string `json:"start_time"`                 // 15:04
	EndTime        string `json:"end_time"`                   // 15:04
	UTCOffset      string `json:"utc_offset,omitempty"`       // ±07:00, default +00:00
	StatusInWindow string `json:"status_in_window,omitempty"` // default ACTIVE
}

type PutCalendarRequest struct {
	Dates []CalendarDateRequest `json:"dates"`
}

type CalendarDateResponse struct {
	Date           string `json:"date"`
	StartAt        string `json:"start_at"`
	EndAt          string `json:"end_at"`
	StatusInWindow string `json:"status_in_window"`
	WindowOpen     bool   `json:"window_open"`
}

type CalendarResponse struct {
	AdID      string                 `json:"ad_id"`
	Dates     []CalendarDateResponse `json:"dates"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

type HistoryEntryResponse struct {
	ID          string `json:"id"`
	AdID        string `json:"ad_id"`
	Date        string `json:"date"`
	Action      string `json:"action"`
	ExecutedAt  string `json:"executed_at"`
	Outcome     string `json:"outcome"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

type ListHistoryResponse struct {
	Entries []HistoryEntryResponse `json:"entries"`
}

type AnalyticsResponse struct {
	SchedulesByState  map[string]int `json:"schedules_by_state"`
	CalendarSuccesses int            `json:"calendar_successes"`
	CalendarFailures  int            `json:"calendar_failures"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func scheduleResponse(s domain.Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:           s.ID.String(),
		AdID:         s.AdID,
		TargetStatus: string(s.TargetStatus),
		DueAt:        formatTime(s.DueAt),
		State:        string(s.State),
		LastError:    s.LastError,
		CreatedAt:    formatTime(s.CreatedAt),
	}
}
