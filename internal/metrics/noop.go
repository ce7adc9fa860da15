package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) SweepStarted()                                                       {}
func (n *NoopSink) SweepCompleted(duration time.Duration, claimed int, err error)       {}
func (n *NoopSink) ApplyAttemptCompleted(attempt int, errClass string, d time.Duration) {}
func (n *NoopSink) ApplyOutcome(outcome string)                                         {}
func (n *NoopSink) TasksInFlightIncr()                                                  {}
func (n *NoopSink) TasksInFlightDecr()                                                  {}
func (n *NoopSink) BufferSizeUpdate(size int)                                           {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                      {}
func (n *NoopSink) EmitError()                                                          {}
func (n *NoopSink) AbandonedResetsUpdate(count int)                                     {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                   {}
func (n *NoopSink) LeaderAcquired()                                                     {}
func (n *NoopSink) LeaderLost(reason string)                                            {}
