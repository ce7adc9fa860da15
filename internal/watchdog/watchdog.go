// Package watchdog reclaims schedules abandoned mid-execution.
//
// A schedule is abandoned when it sits in executing past a grace period:
// the claiming process crashed, or a claimed task was dropped before the
// executor recorded an outcome. The watchdog resets such records to failed
// so they surface for manual re-trigger instead of hanging forever.
package watchdog

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// AbandonedReason is recorded as last_error on every reset schedule.
const AbandonedReason = "abandoned: executing past grace period, reset by watchdog"

type Store interface {
	ResetStuckExecuting(ctx context.Context, olderThan time.Time, limit int, reason string) ([]uuid.UUID, error)
}

// MetricsSink records watchdog metrics. Fire-and-forget.
type MetricsSink interface {
	AbandonedResetsUpdate(count int)
}

type Config struct {
	// Interval is how often the watchdog scans.
	// Default: 5 minutes.
	Interval time.Duration

	// Grace is the age past which an executing record counts as abandoned.
	// Must exceed the applier's worst-case retry window.
	// Default: 10 minutes.
	Grace time.Duration

	// BatchSize caps resets per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Grace:     10 * time.Minute,
		BatchSize: 100,
	}
}

type Watchdog struct {
	config  Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store) *Watchdog {
	return &Watchdog{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the watchdog.
func (w *Watchdog) WithMetrics(sink MetricsSink) *Watchdog {
	w.metrics = sink
	return w
}

// Run starts the scan loop. It blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	log.Printf("watchdog: started (interval=%s, grace=%s, batch=%d)",
		w.config.Interval, w.config.Grace, w.config.BatchSize)

	// Run immediately on startup, then on ticker
	w.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("watchdog: stopped")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *Watchdog) runCycle(ctx context.Context) {
	olderThan := w.clock().UTC().Add(-w.config.Grace)

	ids, err := w.store.ResetStuckExecuting(ctx, olderThan, w.config.BatchSize, AbandonedReason)
	if err != nil {
		// Store error: log and abort cycle. Will retry next interval.
		log.Printf("watchdog: reset failed: %v", err)
		return
	}

	if w.metrics != nil {
		w.metrics.AbandonedResetsUpdate(len(ids))
	}
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		log.Printf("watchdog: reset abandoned schedule=%s to failed", id)
	}
	log.Printf("watchdog: cycle complete, reset=%d", len(ids))
}
