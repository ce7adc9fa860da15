package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
)

// mockStore records transitions and enforces history uniqueness.
type mockStore struct {
	mu          sync.Mutex
	transitions []transition
	history     map[string]domain.HistoryEntry // key: ad|date|action
	historyErr  error
}

type transition struct {
	id        uuid.UUID
	from, to  domain.ScheduleState
	lastError string
}

func newMockStore() *mockStore {
	return &mockStore{history: make(map[string]domain.HistoryEntry)}
}

func (s *mockStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.ScheduleState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, transition{id, from, to, lastError})
	return nil
}

func (s *mockStore) AppendHistory(ctx context.Context, e domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return s.historyErr
	}
	key := e.AdID + "|" + e.Date + "|" + string(e.Action)
	if _, exists := s.history[key]; exists {
		return domain.ErrDuplicateHistory
	}
	s.history[key] = e
	return nil
}

func (s *mockStore) lastTransition(t *testing.T) transition {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transitions) == 0 {
		t.Fatal("no transitions recorded")
	}
	return s.transitions[len(s.transitions)-1]
}

func (s *mockStore) historyEntry(t *testing.T, key string) domain.HistoryEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.history[key]
	if !ok {
		t.Fatalf("no history entry for %s", key)
	}
	return e
}

// mockApplier fails when err is set.
type mockApplier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (a *mockApplier) Apply(ctx context.Context, ownerID uuid.UUID, adID string, status domain.AdStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func (a *mockApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// mockAnalytics records outcomes.
type mockAnalytics struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (a *mockAnalytics) Record(ctx context.Context, task domain.ExecutionTask, outcome domain.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, outcome)
}

func simpleTask() domain.ExecutionTask {
	return domain.ExecutionTask{
		Kind:         domain.TaskKindSimple,
		ScheduleID:   uuid.New(),
		OwnerID:      uuid.New(),
		AdID:         "ad-1",
		TargetStatus: domain.AdStatusPaused,
	}
}

func calendarTask() domain.ExecutionTask {
	return domain.ExecutionTask{
		Kind:         domain.TaskKindCalendar,
		OwnerID:      uuid.New(),
		AdID:         "ad-cal",
		TargetStatus: domain.AdStatusActive,
		Date:         "2024-03-15",
		Action:       domain.ActionActivate,
	}
}

// TestExecute_SimpleSuccess verifies a successful apply moves the schedule
// to executed.
func TestExecute_SimpleSuccess(t *testing.T) {
	store := newMockStore()
	exec := New(store, &mockApplier{})

	task := simpleTask()
	if err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr := store.lastTransition(t)
	if tr.id != task.ScheduleID || tr.from != domain.StateExecuting || tr.to != domain.StateExecuted {
		t.Errorf("transition = %+v, want executing->executed", tr)
	}
	if tr.lastError != "" {
		t.Errorf("lastError = %q, want empty", tr.lastError)
	}
}

// TestExecute_SimpleFailure verifies a failed apply moves the schedule to
// failed with the error preserved.
func TestExecute_SimpleFailure(t *testing.T) {
	store := newMockStore()
	exec := New(store, &mockApplier{err: errors.New("connection refused")})

	if err := exec.Execute(context.Background(), simpleTask()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr := store.lastTransition(t)
	if tr.to != domain.StateFailed {
		t.Errorf("transition to = %s, want failed", tr.to)
	}
	if tr.lastError != "connection refused" {
		t.Errorf("lastError = %q, want the apply error", tr.lastError)
	}
}

// TestExecute_CalendarSuccess verifies a successful boundary is recorded in
// history and no schedule transition happens.
func TestExecute_CalendarSuccess(t *testing.T) {
	store := newMockStore()
	exec := New(store, &mockApplier{})

	task := calendarTask()
	if err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("execute: %v", err)
	}

	e := store.historyEntry(t, "ad-cal|2024-03-15|activate")
	if e.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", e.Outcome)
	}
	if e.ErrorDetail != "" {
		t.Errorf("errorDetail = %q, want empty", e.ErrorDetail)
	}
	if len(store.transitions) != 0 {
		t.Errorf("recorded %d transitions, calendar tasks must not touch schedules", len(store.transitions))
	}
}

// TestExecute_CalendarFailureRecorded verifies a failed boundary is recorded
// as a failure entry rather than retried.
func TestExecute_CalendarFailureRecorded(t *testing.T) {
	store := newMockStore()
	exec := New(store, &mockApplier{err: errors.New("token expired")})

	if err := exec.Execute(context.Background(), calendarTask()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	e := store.historyEntry(t, "ad-cal|2024-03-15|activate")
	if e.Outcome != domain.OutcomeFailure {
		t.Errorf("outcome = %s, want failure", e.Outcome)
	}
	if e.ErrorDetail != "token expired" {
		t.Errorf("errorDetail = %q, want the apply error", e.ErrorDetail)
	}
}

// TestExecute_DuplicateHistoryIsNotAnError verifies losing the history
// append race is treated as already-done.
func TestExecute_DuplicateHistoryIsNotAnError(t *testing.T) {
	store := newMockStore()
	exec := New(store, &mockApplier{})

	task := calendarTask()
	if err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("duplicate execute should be swallowed, got: %v", err)
	}
	if len(store.history) != 1 {
		t.Errorf("history has %d entries, want 1", len(store.history))
	}
}

// TestExecute_AnalyticsRecorded verifies outcomes reach the analytics sink
// for both success and failure.
func TestExecute_AnalyticsRecorded(t *testing.T) {
	store := newMockStore()
	sink := &mockAnalytics{}
	exec := New(store, &mockApplier{}).WithAnalytics(sink)

	if err := exec.Execute(context.Background(), simpleTask()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	failing := New(store, &mockApplier{err: errors.New("boom")}).WithAnalytics(sink)
	if err := failing.Execute(context.Background(), simpleTask()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.outcomes) != 2 || sink.outcomes[0] != domain.OutcomeSuccess || sink.outcomes[1] != domain.OutcomeFailure {
		t.Errorf("outcomes = %v, want [success failure]", sink.outcomes)
	}
}

// TestRun_DrainsBufferedTasksOnShutdown verifies tasks buffered at cancel
// time are still executed.
func TestRun_DrainsBufferedTasksOnShutdown(t *testing.T) {
	store := newMockStore()
	applier := &mockApplier{}
	exec := New(store, applier).WithDrainTimeout(2 * time.Second)

	ch := make(chan domain.ExecutionTask, 5)
	for i := 0; i < 3; i++ {
		ch <- simpleTask()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		exec.Run(ctx, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after drain")
	}

	if applier.callCount() != 3 {
		t.Errorf("applied %d tasks during drain, want 3", applier.callCount())
	}
}
