package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the backend is unavailable, implementations log and
// continue.
type Sink interface {
	// Engine metrics
	SweepStarted()
	SweepCompleted(duration time.Duration, claimed int, err error)

	// Applier / executor metrics
	ApplyAttemptCompleted(attempt int, errClass string, duration time.Duration)
	ApplyOutcome(outcome string)
	TasksInFlightIncr()
	TasksInFlightDecr()

	// Task bus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Watchdog metrics
	AbandonedResetsUpdate(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for ApplyOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
