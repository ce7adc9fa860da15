package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
)

// mockStore holds schedules in memory and enforces the compare-and-set
// transition the real store performs in SQL.
type mockStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*domain.Schedule
	calendars []domain.CalendarSchedule
	history   map[string][]domain.HistoryEntry
}

func newMockStore() *mockStore {
	return &mockStore{
		schedules: make(map[uuid.UUID]*domain.Schedule),
		history:   make(map[string][]domain.HistoryEntry),
	}
}

func (s *mockStore) add(sched domain.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sched
	s.schedules[sched.ID] = &cp
}

func (s *mockStore) state(id uuid.UUID) domain.ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules[id].State
}

func (s *mockStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Schedule
	for _, sched := range s.schedules {
		if sched.State == domain.StatePending && !sched.DueAt.After(now) {
			due = append(due, *sched)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *mockStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.ScheduleState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sched.State != from {
		return domain.ErrConflict
	}
	sched.State = to
	sched.LastError = lastError
	return nil
}

func (s *mockStore) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return domain.Schedule{}, domain.ErrNotFound
	}
	return *sched, nil
}

func (s *mockStore) ListCalendarSchedules(ctx context.Context) ([]domain.CalendarSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calendars, nil
}

func (s *mockStore) ListHistoryByAd(ctx context.Context, adID string) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[adID], nil
}

// mockEmitter records emitted tasks.
type mockEmitter struct {
	mu    sync.Mutex
	tasks []domain.ExecutionTask
}

func (e *mockEmitter) Emit(ctx context.Context, task domain.ExecutionTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *mockEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *mockEmitter) task(i int) domain.ExecutionTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[i]
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TestSweep_ClaimsDueSchedules verifies a due pending schedule is moved to
// executing and emitted exactly once.
func TestSweep_ClaimsDueSchedules(t *testing.T) {
	store := newMockStore()
	emitter := &mockEmitter{}
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	due := domain.Schedule{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		AdID:         "ad-1",
		TargetStatus: domain.AdStatusPaused,
		DueAt:        now.Add(-time.Minute),
		State:        domain.StatePending,
	}
	notDue := domain.Schedule{
		ID:    uuid.New(),
		AdID:  "ad-2",
		DueAt: now.Add(time.Hour),
		State: domain.StatePending,
	}
	store.add(due)
	store.add(notDue)

	eng := New(Config{SweepInterval: time.Second}, store, emitter)
	eng.clock = fixedClock(now)

	if err := eng.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if emitter.count() != 1 {
		t.Fatalf("emitted %d tasks, want 1", emitter.count())
	}
	task := emitter.task(0)
	if task.Kind != domain.TaskKindSimple || task.ScheduleID != due.ID {
		t.Errorf("unexpected task %+v", task)
	}
	if got := store.state(due.ID); got != domain.StateExecuting {
		t.Errorf("claimed state = %s, want executing", got)
	}
	if got := store.state(notDue.ID); got != domain.StatePending {
		t.Errorf("future schedule state = %s, want pending", got)
	}
}

// TestSweep_ConflictSkipped verifies that a schedule claimed elsewhere is
// skipped without error and without an emit.
func TestSweep_ConflictSkipped(t *testing.T) {
	store := newMockStore()
	emitter := &mockEmitter{}
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	sched := domain.Schedule{
		ID:    uuid.New(),
		AdID:  "ad-1",
		DueAt: now.Add(-time.Minute),
		State: domain.StatePending,
	}
	store.add(sched)

	eng := New(Config{SweepInterval: time.Second}, store, emitter)
	eng.clock = fixedClock(now)

	// A racing claimer gets there between the list and the transition.
	store.mu.Lock()
	store.schedules[sched.ID].State = domain.StateExecuting
	store.mu.Unlock()

	if err := eng.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if emitter.count() != 0 {
		t.Fatalf("emitted %d tasks, want 0 after lost claim race", emitter.count())
	}
}

// TestSweep_ConcurrentSweepsClaimOnce verifies two racing sweeps emit a
// shared due schedule exactly once.
func TestSweep_ConcurrentSweepsClaimOnce(t *testing.T) {
	store := newMockStore()
	emitter := &mockEmitter{}
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	store.add(domain.Schedule{
		ID:    uuid.New(),
		AdID:  "ad-1",
		DueAt: now.Add(-time.Minute),
		State: domain.StatePending,
	})

	eng := New(Config{SweepInterval: time.Second}, store, emitter)
	eng.clock = fixedClock(now)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.Sweep(context.Background())
		}()
	}
	wg.Wait()

	if emitter.count() != 1 {
		t.Fatalf("emitted %d tasks, want exactly 1", emitter.count())
	}
}

// TestSweep_CalendarTransitions verifies due window boundaries are emitted
// as calendar tasks and already-recorded ones are not.
func TestSweep_CalendarTransitions(t *testing.T) {
	store := newMockStore()
	emitter := &mockEmitter{}

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	ownerID := uuid.New()
	store.calendars = []domain.CalendarSchedule{{
		AdID:    "ad-cal",
		OwnerID: ownerID,
		Entries: []domain.DateWindow{{
			Date:           "2024-03-15",
			StartAt:        day.Add(11 * time.Hour),
			EndAt:          day.Add(12 * time.Hour),
			StatusInWindow: domain.AdStatusActive,
		}},
	}}

	eng := New(Config{SweepInterval: time.Second}, store, emitter)
	eng.clock = fixedClock(day.Add(11*time.Hour + 30*time.Minute))

	if err := eng.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if emitter.count() != 1 {
		t.Fatalf("emitted %d tasks, want 1", emitter.count())
	}
	task := emitter.task(0)
	if task.Kind != domain.TaskKindCalendar || task.Action != domain.ActionActivate || task.OwnerID != ownerID {
		t.Errorf("unexpected calendar task %+v", task)
	}

	// Record the activate; the next sweep must derive nothing.
	store.mu.Lock()
	store.history["ad-cal"] = []domain.HistoryEntry{{Date: "2024-03-15", Action: domain.ActionActivate}}
	store.mu.Unlock()

	if err := eng.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if emitter.count() != 1 {
		t.Fatalf("emitted %d tasks after record, want still 1", emitter.count())
	}
}

// TestForceExecute_PendingFutureSchedule verifies force-execute claims a
// pending schedule regardless of its due time.
func TestForceExecute_PendingFutureSchedule(t *testing.T) {
	store := newMockStore()
	emitter := &mockEmitter{}
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	ownerID := uuid.New()
	sched := domain.Schedule{
		ID:      uuid.New(),
		OwnerID: ownerID,
		AdID:    "ad-1",
		DueAt:   now.Add(24 * time.Hour),
		State:   domain.StatePending,
	}
	store.add(sched)

	eng := New(Config{SweepInterval: time.Second}, store, emitter)
	eng.clock = fixedClock(now)

	if err := eng.ForceExecute(context.Background(), ownerID, sched.ID); err != nil {
		t.Fatalf("force execute: %v", err)
	}
	if emitter.count() != 1 {
		t.Fatalf("emitted %d tasks, want 1", emitter.count())
	}
	if got := store.state(sched.ID); got != domain.StateExecuting {
		t.Errorf("state = %s, want executing", got)
	}
}

// TestForceExecute_OwnerMismatch verifies another owner's schedule is
// indistinguishable from a missing one.
func TestForceExecute_OwnerMismatch(t *testing.T) {
	store := newMockStore()
	emitter := &mockEmitter{}

	sched := domain.Schedule{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		AdID:    "ad-1",
		State:   domain.StatePending,
	}
	store.add(sched)

	eng := New(Config{SweepInterval: time.Second}, store, emitter)

	err := eng.ForceExecute(context.Background(), uuid.New(), sched.ID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if emitter.count() != 0 {
		t.Fatalf("emitted %d tasks, want 0", emitter.count())
	}
}

// TestForceExecute_NotPending verifies force-execute reports a conflict for
// any non-pending state.
func TestForceExecute_NotPending(t *testing.T) {
	for _, state := range []domain.ScheduleState{
		domain.StateExecuting, domain.StateExecuted, domain.StateFailed, domain.StateCancelled,
	} {
		store := newMockStore()
		emitter := &mockEmitter{}

		ownerID := uuid.New()
		sched := domain.Schedule{ID: uuid.New(), OwnerID: ownerID, AdID: "ad-1", State: state}
		store.add(sched)

		eng := New(Config{SweepInterval: time.Second}, store, emitter)

		err := eng.ForceExecute(context.Background(), ownerID, sched.ID)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("state %s: err = %v, want ErrConflict", state, err)
		}
	}
}

// TestTriggerSweep_Coalesces verifies repeated triggers do not block.
func TestTriggerSweep_Coalesces(t *testing.T) {
	eng := New(Config{SweepInterval: time.Second}, newMockStore(), &mockEmitter{})
	for i := 0; i < 10; i++ {
		eng.TriggerSweep()
	}
}
