// Package redisq implements transport.Queue on a Redis Stream with a
// consumer group. Entries are acknowledged only after the handler has
// recorded an outcome, so a crashed worker leaves its entries pending
// and they are re-claimed with XAUTOCLAIM by any surviving consumer.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

const payloadField = "payload"

type Config struct {
	Stream string
	Group  string

	// Prefetch is the XREADGROUP count per consumer: the bound on
	// unacknowledged messages held by one consumer.
	Prefetch int

	// Block is how long a read waits for new entries before the loop
	// re-checks ctx and the pending-entries list.
	Block time.Duration

	// ReclaimIdle is the minimum idle time before another consumer's
	// pending entry is stolen. Keep it above the worker lease timeout
	// so store-level reclaim gets the first shot.
	ReclaimIdle time.Duration
}

func (c *Config) applyDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 5 * time.Minute
	}
}

type Queue struct {
	client *redis.Client
	cfg    Config
}

func New(client *redis.Client, cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{client: client, cfg: cfg}
}

// EnsureGroup creates the stream and consumer group if absent.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", q.cfg.Group, q.cfg.Stream, err)
	}
	return nil
}

func (q *Queue) Publish(ctx context.Context, msg transport.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{payloadField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.cfg.Stream, err)
	}
	return nil
}

// Consume reads entries for one named consumer until ctx is cancelled.
// Each loop first adopts long-idle pending entries (crashed consumers),
// then blocks on new entries.
func (q *Queue) Consume(ctx context.Context, consumer string, handler transport.Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		q.reclaim(ctx, consumer, handler)

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    int64(q.cfg.Prefetch),
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // read timed out, nothing new
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Connection trouble: nothing was read, nothing to ack.
			// Redelivery is the stream's job; just wait and retry.
			log.Printf("redisq: read error (consumer=%s): %v", consumer, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				q.handleEntry(ctx, consumer, entry, handler)
			}
		}
	}
}

// reclaim adopts pending entries idle longer than ReclaimIdle.
func (q *Queue) reclaim(ctx context.Context, consumer string, handler transport.Handler) {
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: consumer,
		MinIdle:  q.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    int64(q.cfg.Prefetch),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("redisq: autoclaim error (consumer=%s): %v", consumer, err)
		return
	}
	for _, entry := range entries {
		q.handleEntry(ctx, consumer, entry, handler)
	}
}

func (q *Queue) handleEntry(ctx context.Context, consumer string, entry redis.XMessage, handler transport.Handler) {
	msg, err := decode(entry)
	if err != nil {
		// Poison entry: ack it away, it can never be processed.
		log.Printf("redisq: dropping undecodable entry %s: %v", entry.ID, err)
		q.ack(ctx, entry.ID)
		return
	}

	switch handler(ctx, msg) {
	case transport.Ack, transport.NackDrop:
		q.ack(ctx, entry.ID)
	case transport.NackRequeue:
		// Re-append, then ack the old entry; publishing first means a
		// crash between the two duplicates rather than loses.
		if err := q.Publish(ctx, msg); err != nil {
			log.Printf("redisq: requeue of record=%s failed, leaving entry pending: %v", msg.RecordID, err)
			return
		}
		q.ack(ctx, entry.ID)
	}
}

func (q *Queue) ack(ctx context.Context, entryID string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, entryID).Err(); err != nil {
		// Not fatal: the entry is redelivered and the worker's status
		// check discards it.
		log.Printf("redisq: ack of %s failed: %v", entryID, err)
	}
}

func decode(entry redis.XMessage) (transport.Message, error) {
	var msg transport.Message

	raw, ok := entry.Values[payloadField]
	if !ok {
		return msg, fmt.Errorf("entry %s has no %s field", entry.ID, payloadField)
	}
	body, ok := raw.(string)
	if !ok {
		return msg, fmt.Errorf("entry %s payload is %T, not string", entry.ID, raw)
	}
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("unmarshal entry %s: %w", entry.ID, err)
	}
	return msg, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

var _ transport.Queue = (*Queue)(nil)
