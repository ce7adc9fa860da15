package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/auth"
	"github.com/adflip/adflip/internal/domain"
	"github.com/adflip/adflip/internal/resolver"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

type Store interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) error
	ListSchedules(ctx context.Context, ownerID uuid.UUID, adID string, limit, offset int) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, ownerID, id uuid.UUID) error
	ListPendingAll(ctx context.Context, limit int) ([]domain.Schedule, error)

	UpsertCalendarSchedule(ctx context.Context, cs domain.CalendarSchedule) error
	GetCalendarSchedule(ctx context.Context, ownerID uuid.UUID, adID string) (domain.CalendarSchedule, error)
	DeleteCalendarDate(ctx context.Context, ownerID uuid.UUID, adID, date string) error
	DeleteCalendarSchedule(ctx context.Context, ownerID uuid.UUID, adID string) error

	ListHistory(ctx context.Context, ownerID uuid.UUID, adID string, limit, offset int) ([]domain.HistoryEntry, error)
	PurgeHistory(ctx context.Context, ownerID uuid.UUID, adID string) error
}

// Engine is the on-demand execution surface: force one schedule or kick a
// sweep. Both bypass the timer but share the engine's execution primitive.
type Engine interface {
	ForceExecute(ctx context.Context, ownerID, scheduleID uuid.UUID) error
	TriggerSweep()
}

type Analytics interface {
	ForOwner(ctx context.Context, ownerID uuid.UUID) (domain.Analytics, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store     Store
	engine    Engine
	analytics Analytics
	auth      Authenticator
	db        HealthChecker
	clock     func() time.Time
}

func NewHandler(store Store, engine Engine, analytics Analytics, authenticator Authenticator) *Handler {
	return &Handler{
		store:     store,
		engine:    engine,
		analytics: analytics,
		auth:      authenticator,
		clock:     time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health
// responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		h.health(w, r)
		return
	}

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r, identity)
	case len(parts) == 1 && parts[0] == "schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r, identity)
	case len(parts) == 2 && parts[0] == "schedules" && r.Method == http.MethodDelete:
		h.deleteSchedule(w, r, identity, parts[1])
	case len(parts) == 3 && parts[0] == "schedules" && parts[2] == "execute" && r.Method == http.MethodPost:
		h.forceExecute(w, r, identity, parts[1])

	case len(parts) == 2 && parts[0] == "calendar" && r.Method == http.MethodPut:
		h.putCalendar(w, r, identity, parts[1])
	case len(parts) == 2 && parts[0] == "calendar" && r.Method == http.MethodGet:
		h.getCalendar(w, r, identity, parts[1])
	case len(parts) == 2 && parts[0] == "calendar" && r.Method == http.MethodDelete:
		h.deleteCalendar(w, r, identity, parts[1])
	case len(parts) == 4 && parts[0] == "calendar" && parts[2] == "dates" && r.Method == http.MethodDelete:
		h.deleteCalendarDate(w, r, identity, parts[1], parts[3])
	case len(parts) == 3 && parts[0] == "calendar" && parts[2] == "history" && r.Method == http.MethodGet:
		h.listHistory(w, r, identity, parts[1])
	case len(parts) == 3 && parts[0] == "calendar" && parts[2] == "history" && r.Method == http.MethodDelete:
		h.purgeHistory(w, r, identity, parts[1])

	case len(parts) == 1 && parts[0] == "analytics" && r.Method == http.MethodGet:
		h.ownerAnalytics(w, r, identity)

	case len(parts) == 1 && parts[0] == "sweep" && r.Method == http.MethodPost:
		h.triggerSweep(w, r, identity)
	case len(parts) == 2 && parts[0] == "debug" && parts[1] == "schedules" && r.Method == http.MethodGet:
		h.debugSchedules(w, r, identity)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// authenticate resolves the bearer credential. Writes the error response
// itself and returns ok=false on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	header := r.Header.Get("Authorization")
	credential, found := strings.CutPrefix(header, "Bearer ")
	if !found || credential == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer credential")
		return auth.Identity{}, false
	}

	identity, err := h.auth.Authenticate(r.Context(), credential)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredential):
			writeError(w, http.StatusUnauthorized, "invalid credential")
		case errors.Is(err, auth.ErrRoleLookup):
			writeError(w, http.StatusServiceUnavailable, "authorization unavailable")
		default:
			log.Printf("api: authenticate error: %v", err)
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
		}
		return auth.Identity{}, false
	}
	return identity, true
}

// requireOperator enforces the operator role. Default-deny: anything that
// is not explicitly operator is rejected.
func (h *Handler) requireOperator(w http.ResponseWriter, identity auth.Identity) bool {
	if !identity.Operator() {
		writeError(w, http.StatusForbidden, "operator role required")
		return false
	}
	return true
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	status, dueAt, err := validateCreateSchedule(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	sched := domain.Schedule{
		ID:           uuid.New(),
		OwnerID:      identity.OwnerID,
		AdID:         req.AdID,
		TargetStatus: status,
		DueAt:        dueAt,
		State:        domain.StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, domain.ErrInvalidSchedule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("api: create schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse(sched))
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schedules, err := h.store.ListSchedules(r.Context(), identity.OwnerID, r.URL.Query().Get("ad_id"), limit, offset)
	if err != nil {
		log.Printf("api: list schedules error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, s := range schedules {
		resp.Schedules[i] = scheduleResponse(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, identity auth.Identity, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := h.store.DeleteSchedule(r.Context(), identity.OwnerID, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "schedule not found")
		case errors.Is(err, domain.ErrConflict):
			writeError(w, http.StatusConflict, "schedule is executing")
		default:
			log.Printf("api: delete schedule error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) forceExecute(w http.ResponseWriter, r *http.Request, identity auth.Identity, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := h.engine.ForceExecute(r.Context(), identity.OwnerID, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "schedule not found")
		case errors.Is(err, domain.ErrConflict):
			writeError(w, http.StatusConflict, "schedule is not pending")
		default:
			log.Printf("api: force execute error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to execute schedule")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) putCalendar(w http.ResponseWriter, r *http.Request, identity auth.Identity, adID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req PutCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	windows, err := resolveCalendarDates(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	cs := domain.CalendarSchedule{
		AdID:      adID,
		OwnerID:   identity.OwnerID,
		Entries:   windows,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.UpsertCalendarSchedule(r.Context(), cs); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSchedule):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "calendar schedule not found")
		default:
			log.Printf("api: put calendar error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to store calendar schedule")
		}
		return
	}

	// Re-read so the response reflects what was stored: an update keeps the
	// original created_at.
	stored, err := h.store.GetCalendarSchedule(r.Context(), identity.OwnerID, adID)
	if err != nil {
		log.Printf("api: put calendar readback error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load calendar schedule")
		return
	}

	writeJSON(w, http.StatusOK, h.calendarResponse(stored))
}

func (h *Handler) getCalendar(w http.ResponseWriter, r *http.Request, identity auth.Identity, adID string) {
	cs, err := h.store.GetCalendarSchedule(r.Context(), identity.OwnerID, adID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "calendar schedule not found")
			return
		}
		log.Printf("api: get calendar error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load calendar schedule")
		return
	}
	writeJSON(w, http.StatusOK, h.calendarResponse(cs))
}

func (h *Handler) deleteCalendar(w http.ResponseWriter, r *http.Request, identity auth.Identity, adID string) {
	if err := h.store.DeleteCalendarSchedule(r.Context(), identity.OwnerID, adID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "calendar schedule not found")
			return
		}
		log.Printf("api: delete calendar error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete calendar schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteCalendarDate(w http.ResponseWriter, r *http.Request, identity auth.Identity, adID, date string) {
	if err := validateDateKey(date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date")
		return
	}

	if err := h.store.DeleteCalendarDate(r.Context(), identity.OwnerID, adID, date); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "date not found")
			return
		}
		log.Printf("api: delete calendar date error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete date")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request, identity auth.Identity, adID string) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.ListHistory(r.Context(), identity.OwnerID, adID, limit, offset)
	if err != nil {
		log.Printf("api: list history error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	resp := ListHistoryResponse{Entries: make([]HistoryEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = HistoryEntryResponse{
			ID:          e.ID.String(),
			AdID:        e.AdID,
			Date:        e.Date,
			Action:      string(e.Action),
			ExecutedAt:  formatTime(e.ExecutedAt),
			Outcome:     string(e.Outcome),
			ErrorDetail: e.ErrorDetail,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) purgeHistory(w http.ResponseWriter, r *http.Request, identity auth.Identity, adID string) {
	if err := h.store.PurgeHistory(r.Context(), identity.OwnerID, adID); err != nil {
		log.Printf("api: purge history error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to purge history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ownerAnalytics(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	agg, err := h.analytics.ForOwner(r.Context(), identity.OwnerID)
	if err != nil {
		log.Printf("api: analytics error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to compute analytics")
		return
	}

	states := make(map[string]int, len(agg.SchedulesByState))
	for _, s := range []domain.ScheduleState{domain.StatePending, domain.StateExecuting, domain.StateExecuted, domain.StateFailed, domain.StateCancelled} {
		states[string(s)] = agg.SchedulesByState[s]
	}

	writeJSON(w, http.StatusOK, AnalyticsResponse{
		SchedulesByState:  states,
		CalendarSuccesses: agg.CalendarSuccesses,
		CalendarFailures:  agg.CalendarFailures,
	})
}

func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if !h.requireOperator(w, identity) {
		return
	}
	h.engine.TriggerSweep()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) debugSchedules(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if !h.requireOperator(w, identity) {
		return
	}

	schedules, err := h.store.ListPendingAll(r.Context(), MaxLimit)
	if err != nil {
		log.Printf("api: debug schedules error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to dump schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, s := range schedules {
		resp.Schedules[i] = scheduleResponse(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

// calendarResponse renders the schedule with the window-open flag computed
// from wall-clock time on every read.
func (h *Handler) calendarResponse(cs domain.CalendarSchedule) CalendarResponse {
	now := h.clock().UTC()
	resp := CalendarResponse{
		AdID:      cs.AdID,
		Dates:     make([]CalendarDateResponse, len(cs.Entries)),
		CreatedAt: formatTime(cs.CreatedAt),
		UpdatedAt: formatTime(cs.UpdatedAt),
	}
	for i, wnd := range cs.Entries {
		resp.Dates[i] = CalendarDateResponse{
			Date:           wnd.Date,
			StartAt:        formatTime(wnd.StartAt),
			EndAt:          formatTime(wnd.EndAt),
			StatusInWindow: string(wnd.StatusInWindow),
			WindowOpen:     resolver.WindowOpen(cs, wnd.Date, now),
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
