// Package leaderelection elects a single sweeper among replicas using a
// Postgres session-scoped advisory lock.
//
// The lock lives as long as the dedicated database connection: there is no
// renewal and no TTL. When the connection dies Postgres releases the lock
// server-side, and how fast that happens depends on TCP keepalive settings.
// The heartbeat only detects local connection death so a demoted instance
// stops its duties promptly; it never renews the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Demotion reasons reported to the metrics sink.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink records leadership transitions. Methods must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Config configures an Elector.
type Config struct {
	// LockKey must be shared by every instance pointed at the same database.
	LockKey int64

	// RetryInterval bounds the failover gap: a follower re-attempts the
	// lock this often.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its dedicated
	// connection.
	HeartbeatInterval time.Duration
}

// Elector campaigns for the advisory lock and runs leader duties while it
// holds the lock.
//
// onLead is invoked in a new goroutine once the lock is acquired; its
// context is cancelled on demotion. It should start the sweeper and
// watchdog and return. onStop is invoked synchronously on demotion and
// must block until leader duties have fully stopped; it must be
// idempotent.
type Elector struct {
	db      *sql.DB
	cfg     Config
	onLead  func(ctx context.Context)
	onStop  func()
	metrics MetricsSink
}

func New(db *sql.DB, cfg Config, onLead func(ctx context.Context), onStop func()) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Elector{db: db, cfg: cfg, onLead: onLead, onStop: onStop}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run blocks until ctx is cancelled, alternating between campaigning for
// the lock and holding it.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leaderelection: starting (lock_key=%d, retry=%s, heartbeat=%s)",
		e.cfg.LockKey, e.cfg.RetryInterval, e.cfg.HeartbeatInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leaderelection: stopped")
			return
		}

		reason := e.campaign(ctx)

		if ctx.Err() != nil {
			log.Println("leaderelection: stopped")
			return
		}
		if reason != "" {
			log.Printf("leaderelection: demoted (reason=%s), retrying in %s", reason, e.cfg.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leaderelection: stopped")
			return
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// campaign attempts to take the lock and, on success, holds it until the
// connection dies or ctx is cancelled. Returns the demotion reason, or ""
// if the lock was never acquired.
func (e *Elector) campaign(ctx context.Context) string {
	// Session-scoped lock: needs its own connection for its whole lifetime.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leaderelection: dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockKey).Scan(&acquired); err != nil {
		log.Printf("leaderelection: lock attempt: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leaderelection: acquired lock %d", e.cfg.LockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leadCtx, cancel := context.WithCancel(ctx)
	go e.onLead(leadCtx)

	reason := e.hold(ctx, conn)

	cancel()
	e.onStop()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	log.Printf("leaderelection: released lock %d", e.cfg.LockKey)
	return reason
}

// hold pings the dedicated connection until it fails or ctx is cancelled.
func (e *Elector) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leaderelection: heartbeat ping failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}
