// Package postgres is the durable schedule store. It is the sole mutator of
// schedule lifecycle state; Transition is an atomic compare-and-set and the
// UNIQUE (ad_id, date, action) constraint on calendar_history arbitrates
// concurrent sweeps.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. opTimeout bounds every single statement; 0 disables
// the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateSchedule validates and persists a new simple schedule.
// A past DueAt is allowed: it makes the schedule due on the next sweep.
func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	if sched.AdID == "" {
		return fmt.Errorf("%w: ad_id is required", domain.ErrInvalidSchedule)
	}
	if sched.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner_id is required", domain.ErrInvalidSchedule)
	}
	if sched.DueAt.IsZero() {
		return fmt.Errorf("%w: due_at is required", domain.ErrInvalidSchedule)
	}
	if sched.TargetStatus != domain.AdStatusActive && sched.TargetStatus != domain.AdStatusPaused {
		return fmt.Errorf("%w: target_status must be ACTIVE or PAUSED", domain.ErrInvalidSchedule)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.OwnerID,
		sched.AdID,
		string(sched.TargetStatus),
		sched.DueAt.UTC(),
		string(sched.State),
		sched.LastError,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	return err
}

// GetSchedule returns a schedule by id, regardless of owner. Callers that
// act on behalf of a user must check OwnerID themselves.
func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetSchedule, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, domain.ErrNotFound
	}
	return sched, err
}

// ListSchedules returns the owner's schedules ordered by due_at ascending.
// adID narrows to one ad when non-empty.
func (s *Store) ListSchedules(ctx context.Context, ownerID uuid.UUID, adID string, limit, offset int) ([]domain.Schedule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListSchedules, ownerID, adID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListDueSchedules returns pending schedules with due_at <= now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDueSchedules, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListPendingAll returns non-terminal schedules across all owners.
// Operator debugging only; never exposed on the caller-facing surface.
func (s *Store) ListPendingAll(ctx context.Context, limit int) ([]domain.Schedule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListPendingAll, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DeleteSchedule removes a schedule owned by ownerID: a pending schedule is
// cancelled, a terminal one is cleaned up. An executing schedule cannot be
// deleted out from under the executor and reports ErrConflict. Repeating the
// call after a successful delete reports ErrNotFound.
func (s *Store) DeleteSchedule(ctx context.Context, ownerID, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var deleted uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteSchedule, id, ownerID).Scan(&deleted)
	if err != sql.ErrNoRows {
		return err
	}

	var state string
	err = s.db.QueryRowContext(ctx, queryGetOwnedScheduleState, id, ownerID).Scan(&state)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: schedule is %s", domain.ErrConflict, state)
}

// Transition is the compare-and-set lifecycle primitive. The UPDATE's WHERE
// guard makes the claim atomic: Postgres takes the row lock before
// evaluating it, so exactly one of two concurrent claimants succeeds.
// Returns ErrConflict when the current state differs from from.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from, to domain.ScheduleState, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryTransitionSchedule, string(to), lastError, id, string(from))
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetScheduleState, id).Scan(&current)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s, found %s", domain.ErrConflict, from, current)
	}
	return nil
}

// ResetStuckExecuting marks executing schedules older than olderThan as
// failed with reason. Returns the ids that were reset.
func (s *Store) ResetStuckExecuting(ctx context.Context, olderThan time.Time, limit int, reason string) ([]uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryResetStuckExecuting, olderThan.UTC(), limit, reason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertCalendarSchedule creates or replaces the calendar schedule for
// cs.AdID in one transaction. The entry set is replaced wholesale. A
// schedule owned by someone else reports ErrNotFound, never a takeover:
// the sweeper executes entries with the row owner's platform token, so an
// owner mismatch here would let one tenant drive another tenant's ad.
func (s *Store) UpsertCalendarSchedule(ctx context.Context, cs domain.CalendarSchedule) error {
	if cs.AdID == "" {
		return fmt.Errorf("%w: ad_id is required", domain.ErrInvalidSchedule)
	}
	if cs.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner_id is required", domain.ErrInvalidSchedule)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingOwner uuid.UUID
	err = tx.QueryRowContext(ctx, queryGetCalendarOwner, cs.AdID).Scan(&existingOwner)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil && existingOwner != cs.OwnerID {
		return domain.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, queryUpsertCalendarSchedule, cs.AdID, cs.OwnerID, cs.CreatedAt, cs.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryDeleteCalendarEntries, cs.AdID); err != nil {
		return err
	}
	for _, w := range cs.Entries {
		_, err := tx.ExecContext(ctx, queryInsertCalendarEntry,
			cs.AdID, w.Date, w.StartAt.UTC(), w.EndAt.UTC(), string(w.StatusInWindow))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetCalendarSchedule returns the owner's calendar schedule for adID.
func (s *Store) GetCalendarSchedule(ctx context.Context, ownerID uuid.UUID, adID string) (domain.CalendarSchedule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetCalendarSchedule, adID, ownerID)
	if err != nil {
		return domain.CalendarSchedule{}, err
	}
	defer rows.Close()

	schedules, err := scanCalendarSchedules(rows)
	if err != nil {
		return domain.CalendarSchedule{}, err
	}
	if len(schedules) == 0 {
		return domain.CalendarSchedule{}, domain.ErrNotFound
	}
	return schedules[0], nil
}

// ListCalendarSchedules returns every calendar schedule that still has
// entries, across all owners. Used by the sweeper.
func (s *Store) ListCalendarSchedules(ctx context.Context) ([]domain.CalendarSchedule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListCalendarSchedules)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendarSchedules(rows)
}

// DeleteCalendarDate removes one date entry from the owner's schedule.
func (s *Store) DeleteCalendarDate(ctx context.Context, ownerID uuid.UUID, adID, date string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var deleted string
	err := s.db.QueryRowContext(ctx, queryDeleteCalendarDate, adID, date, ownerID).Scan(&deleted)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	return err
}

// DeleteCalendarSchedule removes the schedule and its entries.
// History is retained; it is only removable through PurgeHistory.
func (s *Store) DeleteCalendarSchedule(ctx context.Context, ownerID uuid.UUID, adID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var deleted string
	err = tx.QueryRowContext(ctx, queryDeleteCalendarSchedule, adID, ownerID).Scan(&deleted)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryDeleteCalendarEntries, adID); err != nil {
		return err
	}

	return tx.Commit()
}

// AppendHistory inserts one history entry. Returns ErrDuplicateHistory when
// (ad_id, date, action) was already recorded; the losing side of a sweep
// race sees this and must treat it as "already executed".
func (s *Store) AppendHistory(ctx context.Context, e domain.HistoryEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertHistory,
		e.ID, e.AdID, e.OwnerID, e.Date, string(e.Action), e.ExecutedAt.UTC(), string(e.Outcome), e.ErrorDetail)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateHistory
		}
		return err
	}
	return nil
}

// ListHistory returns the owner's history for adID, newest first.
func (s *Store) ListHistory(ctx context.Context, ownerID uuid.UUID, adID string, limit, offset int) ([]domain.HistoryEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListHistory, adID, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// ListHistoryByAd returns all history for adID regardless of owner.
// The sweeper uses it to derive the applied-transition set.
func (s *Store) ListHistoryByAd(ctx context.Context, adID string) ([]domain.HistoryEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListHistoryByAd, adID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// PurgeHistory deletes all history for the owner's ad.
func (s *Store) PurgeHistory(ctx context.Context, ownerID uuid.UUID, adID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryPurgeHistory, adID, ownerID)
	return err
}

// CountSchedulesByState returns per-state schedule counts for one owner.
func (s *Store) CountSchedulesByState(ctx context.Context, ownerID uuid.UUID) (map[domain.ScheduleState]int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryCountSchedulesByState, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ScheduleState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.ScheduleState(state)] = n
	}
	return counts, rows.Err()
}

// CountHistoryOutcomes returns calendar success/failure totals for one owner.
func (s *Store) CountHistoryOutcomes(ctx context.Context, ownerID uuid.UUID) (successes, failures int, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryCountHistoryOutcomes, ownerID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return 0, 0, err
		}
		switch domain.Outcome(outcome) {
		case domain.OutcomeSuccess:
			successes = n
		case domain.OutcomeFailure:
			failures = n
		}
	}
	return successes, failures, rows.Err()
}

// PlatformToken returns the owner's stored ads-platform access token.
// Returns domain.ErrNotConnected when no account is linked.
func (s *Store) PlatformToken(ctx context.Context, ownerID uuid.UUID) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var token string
	err := s.db.QueryRowContext(ctx, queryGetPlatformToken, ownerID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotConnected
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sched domain.Schedule
	var target, state string
	err := row.Scan(
		&sched.ID,
		&sched.OwnerID,
		&sched.AdID,
		&target,
		&sched.DueAt,
		&state,
		&sched.LastError,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sched.TargetStatus = domain.AdStatus(target)
	sched.State = domain.ScheduleState(state)
	return sched, nil
}

func scanSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	return result, rows.Err()
}

// scanCalendarSchedules groups joined (schedule, entry) rows by ad_id.
// Rows must be ordered by ad_id; entries may be NULL on a LEFT JOIN.
func scanCalendarSchedules(rows *sql.Rows) ([]domain.CalendarSchedule, error) {
	var result []domain.CalendarSchedule
	for rows.Next() {
		var cs domain.CalendarSchedule
		var date, status sql.NullString
		var startAt, endAt sql.NullTime

		err := rows.Scan(&cs.AdID, &cs.OwnerID, &cs.CreatedAt, &cs.UpdatedAt,
			&date, &startAt, &endAt, &status)
		if err != nil {
			return nil, err
		}

		if len(result) == 0 || result[len(result)-1].AdID != cs.AdID {
			result = append(result, cs)
		}
		if date.Valid {
			last := &result[len(result)-1]
			last.Entries = append(last.Entries, domain.DateWindow{
				Date:           date.String,
				StartAt:        startAt.Time,
				EndAt:          endAt.Time,
				StatusInWindow: domain.AdStatus(status.String),
			})
		}
	}
	return result, rows.Err()
}

func scanHistory(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	var result []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var action, outcome string
		err := rows.Scan(&e.ID, &e.AdID, &e.OwnerID, &e.Date, &action, &e.ExecutedAt, &outcome, &e.ErrorDetail)
		if err != nil {
			return nil, err
		}
		e.Action = domain.HistoryAction(action)
		e.Outcome = domain.Outcome(outcome)
		result = append(result, e)
	}
	return result, rows.Err()
}

// isDuplicateKeyError reports a Postgres unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
