// Package channel is the in-memory task bus between the sweeper (claim) and
// the executor (apply). The buffer decouples the fast local claim path from
// the slow networked apply path.
package channel

import (
	"context"

	"github.com/adflip/adflip/internal/domain"
)

// MetricsSink records bus buffer state. Fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Option func(*TaskBus)

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(sink MetricsSink) Option {
	return func(b *TaskBus) {
		b.metrics = sink
	}
}

type TaskBus struct {
	ch      chan domain.ExecutionTask
	metrics MetricsSink
}

func NewTaskBus(buffer int, opts ...Option) *TaskBus {
	b := &TaskBus{
		ch: make(chan domain.ExecutionTask, buffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit enqueues a claimed task. Blocks only until ctx is done when the
// buffer is full; the caller decides whether a full buffer is fatal.
func (b *TaskBus) Emit(ctx context.Context, task domain.ExecutionTask) error {
	select {
	case b.ch <- task:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	case <-ctx.Done():
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ctx.Err()
	}
}

func (b *TaskBus) Channel() <-chan domain.ExecutionTask {
	return b.ch
}
