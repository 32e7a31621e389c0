// Package analytics writes best-effort dispatch counters to Redis for
// read-side dashboards. Failures are logged and never surfaced to the
// dispatch path.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
)

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

// NewRedisSink returns a sink that keeps per-day sent counters for
// retention, then lets them expire.
func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = 720 * time.Hour
	}
	return &RedisSink{
		client:    client,
		retention: retention,
		clock:     time.Now,
	}
}

// NotificationSent increments the daily counters for a delivered
// notification and records the contact's last sent occurrence.
func (s *RedisSink) NotificationSent(ctx context.Context, contactID uuid.UUID, eventType domain.EventType, occurrenceDate time.Time) {
	day := dayBucket(s.clock())

	totalKey := sentKey(eventType, day)
	contactKey := lastSentKey(contactID)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, totalKey)
	pipe.Expire(ctx, totalKey, s.retention)
	pipe.Set(ctx, contactKey, occurrenceDate.Format("2006-01-02"), s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: redis pipeline failed: %v", err)
	}
}

func sentKey(eventType domain.EventType, day string) string {
	return fmt.Sprintf("bday:sent:%s:%s", eventType, day)
}

func lastSentKey(contactID uuid.UUID) string {
	return fmt.Sprintf("bday:contact:%s:last_sent", contactID)
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("20060102")
}
