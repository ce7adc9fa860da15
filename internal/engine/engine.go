// Package engine runs the sweep loop. A sweep scans for due work and
// claims it: simple schedules through the store's compare-and-set
// transition, calendar boundaries through the resolver's view of history.
// Claimed work is emitted to the task bus; the engine itself never touches
// the network, so a stuck platform call can never stall a sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/adflip/adflip/internal/domain"
	"github.com/adflip/adflip/internal/resolver"
)

type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	Transition(ctx context.Context, id uuid.UUID, from, to domain.ScheduleState, lastError string) error
	GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	ListCalendarSchedules(ctx context.Context) ([]domain.CalendarSchedule, error)
	ListHistoryByAd(ctx context.Context, adID string) ([]domain.HistoryEntry, error)
}

type TaskEmitter interface {
	Emit(ctx context.Context, task domain.ExecutionTask) error
}

// MetricsSink records sweep metrics. Fire-and-forget, never blocks.
type MetricsSink interface {
	SweepStarted()
	SweepCompleted(duration time.Duration, claimed int, err error)
}

type Config struct {
	// SweepInterval is the polling granularity; execution is best-effort
	// within it.
	SweepInterval time.Duration

	// BatchSize caps the due simple schedules claimed per sweep.
	BatchSize int
}

type Engine struct {
	config  Config
	store   Store
	emitter TaskEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	kick    chan struct{}
}

func New(config Config, store Store, emitter TaskEmitter) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Engine{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

// Run sweeps on the configured interval and on demand until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	log.Printf("engine: started, sweep=%s", e.config.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("engine: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				log.Printf("engine: sweep error: %v", err)
			}
		case <-e.kick:
			if err := e.Sweep(ctx); err != nil {
				log.Printf("engine: on-demand sweep error: %v", err)
			}
		}
	}
}

// TriggerSweep requests an out-of-band sweep without waiting for the
// interval. Coalesces if one is already requested.
func (e *Engine) TriggerSweep() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Sweep runs one pass: claim due simple schedules, derive due calendar
// transitions, emit everything claimed to the task bus.
func (e *Engine) Sweep(ctx context.Context) error {
	if e.metrics != nil {
		e.metrics.SweepStarted()
	}
	start := e.clock()
	now := start.UTC()

	claimed, err := e.sweepSimple(ctx, now)
	calClaimed, calErr := e.sweepCalendars(ctx, now)
	claimed += calClaimed
	if err == nil {
		err = calErr
	}

	if e.metrics != nil {
		e.metrics.SweepCompleted(e.clock().Sub(start), claimed, err)
	}
	return err
}

func (e *Engine) sweepSimple(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListDueSchedules(ctx, now, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	claimed := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		if err := e.claimAndEmit(ctx, sched, now); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Another sweep or a force-execute got there first.
				continue
			}
			log.Printf("engine: schedule %s claim error: %v", sched.ID, err)
			continue
		}
		claimed++
	}
	return claimed, nil
}

func (e *Engine) sweepCalendars(ctx context.Context, now time.Time) (int, error) {
	schedules, err := e.store.ListCalendarSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list calendar schedules: %w", err)
	}

	claimed := 0
	for _, cs := range schedules {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}

		history, err := e.store.ListHistoryByAd(ctx, cs.AdID)
		if err != nil {
			log.Printf("engine: ad %s history error: %v", cs.AdID, err)
			continue
		}

		applied := resolver.AppliedFromHistory(history)
		for _, tr := range resolver.DueTransitions(cs, applied, now) {
			task := domain.ExecutionTask{
				Kind:         domain.TaskKindCalendar,
				OwnerID:      tr.OwnerID,
				AdID:         tr.AdID,
				TargetStatus: tr.TargetStatus,
				Date:         tr.Date,
				Action:       tr.Action,
				ClaimedAt:    now,
			}
			if err := e.emitter.Emit(ctx, task); err != nil {
				log.Printf("engine: ad %s emit error: %v", cs.AdID, err)
				continue
			}
			claimed++
		}
	}
	return claimed, nil
}

// claimAndEmit performs the claim/apply split for one simple schedule: the
// CAS grants exclusive execution right, then the task goes to the bus. If
// the emit fails the record stays in executing and the watchdog reclaims it.
func (e *Engine) claimAndEmit(ctx context.Context, sched domain.Schedule, now time.Time) error {
	if err := e.store.Transition(ctx, sched.ID, domain.StatePending, domain.StateExecuting, ""); err != nil {
		return err
	}

	task := domain.ExecutionTask{
		Kind:         domain.TaskKindSimple,
		ScheduleID:   sched.ID,
		OwnerID:      sched.OwnerID,
		AdID:         sched.AdID,
		TargetStatus: sched.TargetStatus,
		ClaimedAt:    now,
	}
	if err := e.emitter.Emit(ctx, task); err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	log.Printf("engine: claimed schedule=%s ad=%s due_at=%s", sched.ID, sched.AdID, sched.DueAt.Format(time.RFC3339))
	return nil
}

// ForceExecute claims a pending schedule regardless of its due time and
// hands it to the executor. Returns domain.ErrNotFound when the schedule
// does not exist or belongs to another owner, domain.ErrConflict when it is
// not pending.
func (e *Engine) ForceExecute(ctx context.Context, ownerID, scheduleID uuid.UUID) error {
	sched, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched.OwnerID != ownerID {
		return domain.ErrNotFound
	}

	if err := e.claimAndEmit(ctx, sched, e.clock().UTC()); err != nil {
		return err
	}
	log.Printf("engine: force-executed schedule=%s ad=%s", sched.ID, sched.AdID)
	return nil
}
