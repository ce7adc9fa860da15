// Package executor consumes claimed tasks from the bus, performs the
// external status change and records the outcome. It is the only component
// allowed to block on the network.
package executor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
)

type Store interface {
	Transition(ctx context.Context, id uuid.UUID, from, to domain.ScheduleState, lastError string) error
	AppendHistory(ctx context.Context, e domain.HistoryEntry) error
}

type StatusApplier interface {
	Apply(ctx context.Context, ownerID uuid.UUID, adID string, status domain.AdStatus) error
}

// AnalyticsSink records execution outcomes as a best-effort side effect.
// The sink handles errors internally; it never affects correctness.
type AnalyticsSink interface {
	Record(ctx context.Context, task domain.ExecutionTask, outcome domain.Outcome)
}

// MetricsSink records executor metrics. Fire-and-forget, never blocks.
type MetricsSink interface {
	ApplyOutcome(outcome string)
	TasksInFlightIncr()
	TasksInFlightDecr()
}

// DefaultDrainTimeout bounds how long shutdown waits for buffered tasks.
const DefaultDrainTimeout = 30 * time.Second

type Executor struct {
	store        Store
	applier      StatusApplier
	analytics    AnalyticsSink // optional, nil = disabled
	metrics      MetricsSink   // optional, nil = disabled
	drainTimeout time.Duration
	clock        func() time.Time
}

func New(store Store, applier StatusApplier) *Executor {
	return &Executor{
		store:        store,
		applier:      applier,
		drainTimeout: DefaultDrainTimeout,
		clock:        time.Now,
	}
}

// WithAnalytics attaches an analytics sink.
func (x *Executor) WithAnalytics(sink AnalyticsSink) *Executor {
	x.analytics = sink
	return x
}

// WithMetrics attaches a metrics sink.
func (x *Executor) WithMetrics(sink MetricsSink) *Executor {
	x.metrics = sink
	return x
}

// WithDrainTimeout overrides the shutdown drain budget.
func (x *Executor) WithDrainTimeout(d time.Duration) *Executor {
	x.drainTimeout = d
	return x
}

// Run processes tasks until ctx is cancelled, then drains what is buffered.
// A claimed task that is dropped would sit in executing until the watchdog
// reclaims it, so draining is worth the wait.
func (x *Executor) Run(ctx context.Context, ch <-chan domain.ExecutionTask) {
	for {
		select {
		case <-ctx.Done():
			x.drain(ch)
			return
		case task := <-ch:
			if err := x.Execute(ctx, task); err != nil {
				log.Printf("executor: error: %v", err)
			}
		}
	}
}

func (x *Executor) drain(ch <-chan domain.ExecutionTask) {
	drainCtx, cancel := context.WithTimeout(context.Background(), x.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			log.Printf("executor: drain timeout, processed %d tasks", count)
			return
		case task, ok := <-ch:
			if !ok {
				log.Printf("executor: drain complete, processed %d tasks", count)
				return
			}
			if err := x.Execute(drainCtx, task); err != nil {
				log.Printf("executor: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("executor: drain complete, processed %d tasks", count)
			}
			return
		}
	}
}

// Execute performs one status change and records the result. Simple
// schedules move to a terminal state; calendar boundaries get a history
// entry and the schedule itself stays live for future windows.
func (x *Executor) Execute(ctx context.Context, task domain.ExecutionTask) error {
	if x.metrics != nil {
		x.metrics.TasksInFlightIncr()
		defer x.metrics.TasksInFlightDecr()
	}

	applyErr := x.applier.Apply(ctx, task.OwnerID, task.AdID, task.TargetStatus)

	outcome := domain.OutcomeSuccess
	if applyErr != nil {
		outcome = domain.OutcomeFailure
	}
	if x.metrics != nil {
		x.metrics.ApplyOutcome(string(outcome))
	}
	if x.analytics != nil {
		x.analytics.Record(ctx, task, outcome)
	}

	switch task.Kind {
	case domain.TaskKindSimple:
		return x.finishSimple(ctx, task, applyErr)
	case domain.TaskKindCalendar:
		return x.finishCalendar(ctx, task, applyErr)
	default:
		log.Printf("executor: unknown task kind %q for ad=%s", task.Kind, task.AdID)
		return nil
	}
}

func (x *Executor) finishSimple(ctx context.Context, task domain.ExecutionTask, applyErr error) error {
	if applyErr == nil {
		log.Printf("executor: schedule=%s ad=%s set %s", task.ScheduleID, task.AdID, task.TargetStatus)
		return x.store.Transition(ctx, task.ScheduleID, domain.StateExecuting, domain.StateExecuted, "")
	}

	log.Printf("executor: schedule=%s ad=%s failed: %v", task.ScheduleID, task.AdID, applyErr)
	return x.store.Transition(ctx, task.ScheduleID, domain.StateExecuting, domain.StateFailed, applyErr.Error())
}

// finishCalendar appends the outcome to history. A failed boundary is
// recorded and done with: the next window boundary is attempted
// independently, one date's failure never blocks future dates.
func (x *Executor) finishCalendar(ctx context.Context, task domain.ExecutionTask, applyErr error) error {
	entry := domain.HistoryEntry{
		ID:         uuid.New(),
		AdID:       task.AdID,
		OwnerID:    task.OwnerID,
		Date:       task.Date,
		Action:     task.Action,
		ExecutedAt: x.clock().UTC(),
		Outcome:    domain.OutcomeSuccess,
	}
	if applyErr != nil {
		entry.Outcome = domain.OutcomeFailure
		entry.ErrorDetail = applyErr.Error()
	}

	if err := x.store.AppendHistory(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicateHistory) {
			// Lost a sweep race; the boundary was already executed.
			log.Printf("executor: ad=%s date=%s action=%s already recorded, skipping", task.AdID, task.Date, task.Action)
			return nil
		}
		return err
	}

	log.Printf("executor: ad=%s date=%s action=%s outcome=%s", task.AdID, task.Date, task.Action, entry.Outcome)
	return nil
}
