package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adflip/adflip/internal/domain"
)

// RedisSink counts execution outcomes in time-bucketed Redis keys. Best
// effort: a write failure is logged and dropped, never surfaced to the
// executor.
type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
	clock     func() time.Time
}

func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	if window <= 0 {
		window = time.Hour
	}
	if retention < window {
		retention = 24 * time.Hour
	}
	return &RedisSink{
		client:    client,
		window:    window,
		retention: retention,
		clock:     time.Now,
	}
}

// Record increments the outcome counter for the task's owner and ad.
func (s *RedisSink) Record(ctx context.Context, task domain.ExecutionTask, outcome domain.Outcome) {
	key := buildKey(task.OwnerID.String(), task.AdID, outcome, s.clock(), s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: redis pipeline: %v", err)
	}
}

func buildKey(ownerID, adID string, outcome domain.Outcome, t time.Time, window time.Duration) string {
	return fmt.Sprintf("o:%s:a:%s:%s:%s", ownerID, adID, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
