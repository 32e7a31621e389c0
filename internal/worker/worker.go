// Package worker consumes claimed dispatch work from the queue, invokes
// the delivery channel and records outcomes. The pre-delivery status
// check is the defense against at-least-once redelivery; retry/backoff
// state is persisted on the record so it survives worker crashes.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/occurrence"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

type Store interface {
	GetRecord(ctx context.Context, recordID uuid.UUID) (domain.DispatchRecord, error)
	GetContact(ctx context.Context, contactID uuid.UUID) (domain.Contact, error)

	// UpsertProjection rolls the contact's projection forward after a
	// successful dispatch.
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// AnalyticsSink records delivered notifications for read-side dashboards.
// Best-effort: errors are handled inside the sink and never affect
// dispatch correctness.
type AnalyticsSink interface {
	NotificationSent(ctx context.Context, contactID uuid.UUID, eventType domain.EventType, occurrenceDate time.Time)
}

// MetricsSink records worker metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RecordsInFlightIncr()
	RecordsInFlightDecr()
}

type Config struct {
	// MaxRetries bounds total delivery attempts per record.
	MaxRetries int
	// BackoffBase seeds the exponential retry delay: base * 2^(n-1).
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
	// DeliveryTimeout bounds one delivery-channel call.
	DeliveryTimeout time.Duration
	// SendHour is the target local hour, used to roll the projection
	// forward after a successful dispatch.
	SendHour int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
}

type Worker struct {
	config    Config
	store     Store
	ledger    ledger.Ledger
	channel   delivery.Channel
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	clock     func() time.Time
}

func New(config Config, store Store, l ledger.Ledger, channel delivery.Channel) *Worker {
	config.applyDefaults()
	return &Worker{
		config:  config,
		store:   store,
		ledger:  l,
		channel: channel,
		clock:   time.Now,
	}
}

// WithAnalytics attaches an analytics sink to the worker.
func (w *Worker) WithAnalytics(sink AnalyticsSink) *Worker {
	w.analytics = sink
	return w
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink MetricsSink) *Worker {
	w.metrics = sink
	return w
}

// Handle processes one queue message. It is the transport.Handler and
// is safe to invoke repeatedly for the same message.
func (w *Worker) Handle(ctx context.Context, msg transport.Message) transport.Decision {
	if w.metrics != nil {
		w.metrics.RecordsInFlightIncr()
		defer w.metrics.RecordsInFlightDecr()
	}

	rec, err := w.store.GetRecord(ctx, msg.RecordID)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			// A message referencing no record can never be processed.
			log.Printf("worker: record=%s not found, dropping", msg.RecordID)
			return transport.Ack
		}
		// Store unreachable: correctness cannot be verified, so do not
		// touch anything. The transport redelivers.
		log.Printf("worker: load record=%s failed: %v", msg.RecordID, err)
		return transport.NackRequeue
	}

	// Redelivery defense: only a queued record may proceed.
	if rec.Status != domain.StatusQueued {
		log.Printf("worker: record=%s status=%s, discarding redelivery", rec.ID, rec.Status)
		if w.metrics != nil {
			w.metrics.DeliveryOutcome(OutcomeDiscarded)
		}
		return transport.Ack
	}

	err = w.ledger.Transition(ctx, rec.ID, domain.StatusQueued, domain.StatusInFlight, ledger.Update{})
	if err != nil {
		if errors.Is(err, ledger.ErrSuperseded) {
			// Another worker picked it up between the read and the claim.
			return transport.Ack
		}
		log.Printf("worker: record=%s claim failed: %v", rec.ID, err)
		return transport.NackRequeue
	}

	return w.deliver(ctx, rec)
}

// deliver runs one delivery attempt for an in-flight record and records
// the outcome.
func (w *Worker) deliver(ctx context.Context, rec domain.DispatchRecord) transport.Decision {
	contact, err := w.store.GetContact(ctx, rec.ContactID)
	if err != nil {
		// Missing contact means the recipient is permanently gone;
		// anything else is worth retrying.
		if errors.Is(err, ErrContactNotFound) {
			return w.recordFailure(ctx, rec, delivery.Permanent(err))
		}
		return w.recordFailure(ctx, rec, delivery.Transient(err))
	}

	msg := Render(contact, rec.EventType)

	deliverCtx, cancel := context.WithTimeout(ctx, w.config.DeliveryTimeout)
	start := w.clock().UTC()
	err = w.channel.Deliver(deliverCtx, contact.Email, msg)
	cancel()

	if w.metrics != nil {
		w.metrics.DeliveryAttemptCompleted(classify(err), w.clock().UTC().Sub(start))
	}

	if err != nil {
		return w.recordFailure(ctx, rec, err)
	}
	return w.recordSuccess(ctx, rec, contact)
}

// ErrContactNotFound is returned by Store.GetContact when the contact
// row does not exist.
var ErrContactNotFound = errors.New("contact not found")

func (w *Worker) recordSuccess(ctx context.Context, rec domain.DispatchRecord, contact domain.Contact) transport.Decision {
	err := w.ledger.Transition(ctx, rec.ID, domain.StatusInFlight, domain.StatusSent, ledger.Update{})
	if err != nil {
		if errors.Is(err, ledger.ErrSuperseded) {
			// The sweeper reclaimed the record mid-delivery. The send
			// happened; the record will be retried and the duplicate is
			// outside this core's control (lease timeout must exceed
			// the delivery timeout to prevent this).
			log.Printf("worker: record=%s sent but transition superseded", rec.ID)
			return transport.Ack
		}
		log.Printf("worker: record=%s sent but transition failed: %v", rec.ID, err)
		return transport.Ack
	}

	log.Printf("worker: record=%s sent contact=%s event=%s occurrence=%s",
		rec.ID, rec.ContactID, rec.EventType, rec.OccurrenceDate.Format("2006-01-02"))
	if w.metrics != nil {
		w.metrics.DeliveryOutcome(OutcomeSent)
	}

	w.rollProjectionForward(ctx, rec, contact)

	if w.analytics != nil {
		w.analytics.NotificationSent(ctx, rec.ContactID, rec.EventType, rec.OccurrenceDate)
	}
	return transport.Ack
}

// rollProjectionForward advances the contact's projection to next year.
// Best-effort: on failure the backfill sweep re-derives it.
func (w *Worker) rollProjectionForward(ctx context.Context, rec domain.DispatchRecord, contact domain.Contact) {
	var ev *domain.EventDate
	for i := range contact.Events {
		if contact.Events[i].Type == rec.EventType {
			ev = &contact.Events[i]
			break
		}
	}
	if ev == nil {
		return // event definition removed since the claim
	}

	occ, err := occurrence.Next(ev.Month, ev.Day, contact.Timezone, w.config.SendHour, rec.TargetAt.Add(time.Second))
	if err != nil {
		log.Printf("worker: roll forward contact=%s event=%s failed: %v", rec.ContactID, rec.EventType, err)
		return
	}

	err = w.store.UpsertProjection(ctx, domain.Projection{
		ContactID:      rec.ContactID,
		EventType:      rec.EventType,
		OccurrenceDate: occ.Date,
		TargetAt:       occ.At,
		UpdatedAt:      w.clock().UTC(),
	})
	if err != nil {
		log.Printf("worker: upsert projection contact=%s event=%s failed: %v", rec.ContactID, rec.EventType, err)
	}
}

func (w *Worker) recordFailure(ctx context.Context, rec domain.DispatchRecord, cause error) transport.Decision {
	attempts := rec.RetryCount + 1
	lastError := cause.Error()
	upd := ledger.Update{RetryCount: &attempts, LastError: &lastError}

	if delivery.IsPermanent(cause) || attempts >= w.config.MaxRetries {
		err := w.ledger.Transition(ctx, rec.ID, domain.StatusInFlight, domain.StatusDead, upd)
		if err != nil && !errors.Is(err, ledger.ErrSuperseded) {
			log.Printf("worker: record=%s dead-letter transition failed: %v", rec.ID, err)
			return transport.NackRequeue
		}
		log.Printf("worker: record=%s dead after %d attempts: %v", rec.ID, attempts, cause)
		if w.metrics != nil {
			w.metrics.DeliveryOutcome(OutcomeDead)
		}
		// Acknowledge: dead records are for operator inspection, not
		// redelivery.
		return transport.Ack
	}

	next := w.clock().UTC().Add(backoff(w.config.BackoffBase, w.config.BackoffCap, attempts))
	upd.NextAttemptAt = &next

	err := w.ledger.Transition(ctx, rec.ID, domain.StatusInFlight, domain.StatusPending, upd)
	if err != nil && !errors.Is(err, ledger.ErrSuperseded) {
		log.Printf("worker: record=%s retry transition failed: %v", rec.ID, err)
		return transport.NackRequeue
	}

	log.Printf("worker: record=%s attempt=%d failed, retry after %s: %v",
		rec.ID, attempts, next.Format(time.RFC3339), cause)
	if w.metrics != nil {
		w.metrics.DeliveryOutcome(OutcomeRetried)
	}
	// Drop rather than requeue: the scheduler re-picks the record once
	// its backoff delay has elapsed.
	return transport.NackDrop
}

// backoff computes base * 2^(attempt-1), capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Outcome constants for the DeliveryOutcome metric.
const (
	OutcomeSent      = "sent"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
	OutcomeDiscarded = "discarded"
)

// classify maps a delivery result onto a bounded metrics label.
func classify(err error) string {
	switch {
	case err == nil:
		return "success"
	case delivery.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
