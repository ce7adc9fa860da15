package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Engine metrics
	sweepsTotal      prometheus.Counter
	sweepErrorsTotal prometheus.Counter
	claimsTotal      prometheus.Counter
	sweepDuration    prometheus.Histogram

	// Applier / executor metrics
	applyAttemptsTotal *prometheus.CounterVec
	applyOutcomesTotal *prometheus.CounterVec
	applyDuration      prometheus.Histogram
	tasksInFlight      prometheus.Gauge

	// Task bus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Watchdog metrics
	abandonedResets prometheus.Gauge

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initEngineMetrics(reg)
	s.initApplyMetrics(reg)
	s.initBusMetrics(reg)
	s.initWatchdogMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adflip_engine_sweeps_total",
		Help: "Total number of sweeps run.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adflip_engine_sweep_errors_total",
		Help: "Total number of sweeps that finished with an error.",
	})
	s.claimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adflip_engine_claims_total",
		Help: "Total number of due items claimed and emitted to the task bus.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "adflip_engine_sweep_duration_seconds",
		Help:    "Duration of each sweep in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.sweepsTotal, "adflip_engine_sweeps_total")
	s.register(reg, s.sweepErrorsTotal, "adflip_engine_sweep_errors_total")
	s.register(reg, s.claimsTotal, "adflip_engine_claims_total")
	s.register(reg, s.sweepDuration, "adflip_engine_sweep_duration_seconds")
}

func (s *PrometheusSink) initApplyMetrics(reg prometheus.Registerer) {
	s.applyAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adflip_applier_attempts_total",
		Help: "Total number of ads-platform apply attempts.",
	}, []string{"attempt", "err_class"})

	s.applyOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adflip_executor_outcomes_total",
		Help: "Total number of final execution outcomes per task.",
	}, []string{"outcome"})

	s.applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "adflip_applier_request_duration_seconds",
		Help:    "Ads-platform request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adflip_executor_tasks_in_flight",
		Help: "Number of tasks currently being executed.",
	})

	s.register(reg, s.applyAttemptsTotal, "adflip_applier_attempts_total")
	s.register(reg, s.applyOutcomesTotal, "adflip_executor_outcomes_total")
	s.register(reg, s.applyDuration, "adflip_applier_request_duration_seconds")
	s.register(reg, s.tasksInFlight, "adflip_executor_tasks_in_flight")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adflip_taskbus_buffer_size",
		Help: "Current number of tasks in the bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adflip_taskbus_buffer_capacity",
		Help: "Configured capacity of the task bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adflip_taskbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full at shutdown).",
	})

	s.register(reg, s.bufferSize, "adflip_taskbus_buffer_size")
	s.register(reg, s.bufferCapacity, "adflip_taskbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "adflip_taskbus_emit_errors_total")
}

func (s *PrometheusSink) initWatchdogMetrics(reg prometheus.Registerer) {
	s.abandonedResets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adflip_watchdog_abandoned_resets",
		Help: "Number of abandoned executing schedules reset in the last cycle.",
	})

	s.register(reg, s.abandonedResets, "adflip_watchdog_abandoned_resets")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adflip_leader_status",
		Help: "1 if this instance currently holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adflip_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adflip_leader_lost_total",
		Help: "Total number of times this instance lost leadership.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "adflip_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "adflip_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "adflip_leader_lost_total")
}

// register attempts to register a collector, logging any errors without
// propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Engine metrics implementation

func (s *PrometheusSink) SweepStarted() {
	s.sweepsTotal.Inc()
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, claimed int, err error) {
	s.sweepDuration.Observe(duration.Seconds())
	s.claimsTotal.Add(float64(claimed))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

// Applier / executor metrics implementation

func (s *PrometheusSink) ApplyAttemptCompleted(attempt int, errClass string, duration time.Duration) {
	s.applyAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), errClass).Inc()
	s.applyDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ApplyOutcome(outcome string) {
	s.applyOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) TasksInFlightIncr() {
	s.tasksInFlight.Inc()
}

func (s *PrometheusSink) TasksInFlightDecr() {
	s.tasksInFlight.Dec()
}

// Task bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Watchdog metrics implementation

func (s *PrometheusSink) AbandonedResetsUpdate(count int) {
	s.abandonedResets.Set(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
