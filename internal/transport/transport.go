// Package transport defines the queue contract between the scheduler and
// the worker pool. The queue is at-least-once with consumer
// acknowledgment; handlers must be idempotent (the worker's pre-delivery
// status check, not the transport, is the dedupe mechanism).
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
)

// Message references one claimed dispatch record. The record id is the
// payload; all authoritative state lives in the store.
type Message struct {
	RecordID       uuid.UUID        `json:"record_id"`
	ContactID      uuid.UUID        `json:"contact_id"`
	EventType      domain.EventType `json:"event_type"`
	OccurrenceDate time.Time        `json:"occurrence_date"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
}

// Decision is the handler's verdict on one delivery of a message.
type Decision int

const (
	// Ack removes the message; the outcome is recorded in the store.
	Ack Decision = iota
	// NackRequeue asks for immediate redelivery (transport-level
	// failure before any state was touched).
	NackRequeue
	// NackDrop removes the message without a terminal outcome; the
	// record stays pending and the scheduler re-picks it after its
	// backoff delay.
	NackDrop
)

// Handler processes one message. It must be safe to invoke more than
// once for the same message.
type Handler func(ctx context.Context, msg Message) Decision

// Queue is the transport required of the infrastructure. Consume blocks
// until ctx is cancelled; each call is one named consumer, and multiple
// consumers may run concurrently against the same queue.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context, consumer string, handler Handler) error
}
