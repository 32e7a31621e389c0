// Package scheduler polls due occurrence projections, claims them
// through the idempotency ledger and enqueues the claimed work. Any
// number of scheduler instances may run concurrently without
// coordination: safety comes entirely from the ledger's atomic claim.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

type Store interface {
	// GetDueProjections returns projections whose target instant has
	// arrived and which have no live (non-terminal) dispatch record for
	// that occurrence. The filter is a performance aid only; the
	// reservation remains the gate.
	GetDueProjections(ctx context.Context, now time.Time, limit int) ([]domain.Projection, error)

	// GetPendingRetries returns pending records whose backoff delay has
	// elapsed (including records reclaimed by the recovery sweeper).
	GetPendingRetries(ctx context.Context, now time.Time, limit int) ([]domain.DispatchRecord, error)
}

// MetricsSink records scheduler metrics. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	PollStarted()
	PollCompleted(duration time.Duration, enqueued int, err error)
	ReservationOutcome(won bool)
	EnqueueError()
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

type Scheduler struct {
	config  Config
	store   Store
	ledger  ledger.Ledger
	queue   transport.Queue
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, l ledger.Ledger, queue transport.Queue) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Scheduler{
		config: config,
		store:  store,
		ledger: l,
		queue:  queue,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithClock replaces the scheduler's time source, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, poll=%s batch=%d", s.config.PollInterval, s.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil {
				log.Printf("scheduler: poll error: %v", err)
			}
		}
	}
}

// Poll runs one scheduling pass: claim + enqueue due occurrences, then
// re-enqueue pending retries whose delay has elapsed.
func (s *Scheduler) Poll(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.PollStarted()
	}

	start := s.clock().UTC()
	enqueued, err := s.poll(ctx, start)

	if s.metrics != nil {
		s.metrics.PollCompleted(s.clock().UTC().Sub(start), enqueued, err)
	}
	return err
}

func (s *Scheduler) poll(ctx context.Context, now time.Time) (int, error) {
	enqueued := 0

	due, err := s.store.GetDueProjections(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("get due projections: %w", err)
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		if s.claimAndEnqueue(ctx, p, now) {
			enqueued++
		}
	}

	retries, err := s.store.GetPendingRetries(ctx, now, s.config.BatchSize)
	if err != nil {
		return enqueued, fmt.Errorf("get pending retries: %w", err)
	}
	for _, rec := range retries {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		if s.enqueueRecord(ctx, transport.Message{
			RecordID:       rec.ID,
			ContactID:      rec.ContactID,
			EventType:      rec.EventType,
			OccurrenceDate: rec.OccurrenceDate,
			EnqueuedAt:     now,
		}) {
			enqueued++
		}
	}

	return enqueued, nil
}

// claimAndEnqueue reserves one due occurrence and publishes it. A lost
// reservation race is silent: another scheduler instance or a prior
// pass already claimed it.
func (s *Scheduler) claimAndEnqueue(ctx context.Context, p domain.Projection, now time.Time) bool {
	recordID, err := s.ledger.TryReserve(ctx, p.ContactID, p.EventType, p.OccurrenceDate, p.TargetAt)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyReserved) {
			if s.metrics != nil {
				s.metrics.ReservationOutcome(false)
			}
			return false
		}
		log.Printf("scheduler: reserve contact=%s event=%s failed: %v", p.ContactID, p.EventType, err)
		return false
	}
	if s.metrics != nil {
		s.metrics.ReservationOutcome(true)
	}

	return s.enqueueRecord(ctx, transport.Message{
		RecordID:       recordID,
		ContactID:      p.ContactID,
		EventType:      p.EventType,
		OccurrenceDate: p.OccurrenceDate,
		EnqueuedAt:     now,
	})
}

// enqueueRecord publishes the message and moves the record
// pending -> queued. If publishing fails the record stays pending and a
// later pass retries; if the transition was superseded another
// scheduler won the same record, which is harmless.
func (s *Scheduler) enqueueRecord(ctx context.Context, msg transport.Message) bool {
	if err := s.queue.Publish(ctx, msg); err != nil {
		if s.metrics != nil {
			s.metrics.EnqueueError()
		}
		log.Printf("scheduler: publish record=%s failed: %v", msg.RecordID, err)
		return false
	}

	err := s.ledger.Transition(ctx, msg.RecordID, domain.StatusPending, domain.StatusQueued, ledger.Update{})
	if err != nil {
		if errors.Is(err, ledger.ErrSuperseded) {
			return false
		}
		log.Printf("scheduler: transition record=%s to queued failed: %v", msg.RecordID, err)
		return false
	}

	log.Printf("scheduler: enqueued record=%s contact=%s event=%s occurrence=%s",
		msg.RecordID, msg.ContactID, msg.EventType, msg.OccurrenceDate.Format("2006-01-02"))
	return true
}
