// Package recovery reclaims abandoned dispatch work and backfills
// missed occurrences.
//
// A record is abandoned when it sits in queued or in_flight longer than
// the lease timeout (crashed worker, lost message). The sweeper resets
// it to pending, preserving its retry count, so the scheduler re-picks
// it. Idempotency is guaranteed by the conditional status transitions:
// a record that reached a terminal state in the meantime is untouched.
//
// An occurrence is missed when its projection's target instant passed
// more than a grace window ago with no dispatch record at all (missed
// materialization or a scheduler outage). The sweeper claims and
// enqueues those through the same ledger reservation the scheduler
// uses, so a concurrently recovering scheduler cannot double-dispatch.
package recovery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

// Store defines the persistence operations the sweeper needs.
type Store interface {
	// ReclaimExpiredLeases resets queued/in_flight records whose lease
	// started before cutoff back to pending, preserving retry counts.
	// Returns the number of records reclaimed.
	ReclaimExpiredLeases(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// GetMissedProjections returns projections whose target instant is
	// older than cutoff and which have no dispatch record for that
	// occurrence.
	GetMissedProjections(ctx context.Context, cutoff time.Time, limit int) ([]domain.Projection, error)
}

// MetricsSink records sweep outcomes. Methods must be non-blocking.
type MetricsSink interface {
	SweepCompleted(reclaimed, backfilled int, duration time.Duration)
}

// Config holds sweeper configuration.
type Config struct {
	// Schedule decides when sweeps run. Parse with cron.ParseStandard.
	Schedule cron.Schedule

	// LeaseTimeout is the age after which a queued/in_flight record is
	// considered abandoned. Must exceed the worker's delivery timeout,
	// otherwise a slow-but-alive delivery gets reclaimed mid-send.
	// Default: 10 minutes.
	LeaseTimeout time.Duration

	// BackfillGrace is how long past its target instant a projection
	// may sit without a record before the sweeper claims it itself.
	// Default: 15 minutes.
	BackfillGrace time.Duration

	// BatchSize is the maximum number of rows handled per concern per
	// sweep. Default: 100.
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.Schedule == nil {
		c.Schedule = cron.ConstantDelaySchedule{Delay: 5 * time.Minute}
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 10 * time.Minute
	}
	if c.BackfillGrace <= 0 {
		c.BackfillGrace = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Sweeper reclaims expired leases and backfills missed occurrences.
type Sweeper struct {
	config  Config
	store   Store
	ledger  ledger.Ledger
	queue   transport.Queue
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// New creates a Sweeper.
func New(config Config, store Store, l ledger.Ledger, queue transport.Queue) *Sweeper {
	config.applyDefaults()
	return &Sweeper{
		config: config,
		store:  store,
		ledger: l,
		queue:  queue,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

// Run executes sweeps on the configured schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("recovery: sweeper started (lease=%s, grace=%s, batch=%d)",
		s.config.LeaseTimeout, s.config.BackfillGrace, s.config.BatchSize)

	// Sweep immediately on startup: this is the crash-recovery path,
	// and whatever leaked before the restart is already overdue.
	s.Sweep(ctx)

	for {
		next := s.config.Schedule.Next(s.clock())
		timer := time.NewTimer(next.Sub(s.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("recovery: sweeper stopped")
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes one pass over both concerns.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.clock().UTC()

	reclaimed := s.reclaimLeases(ctx, start)
	backfilled := s.backfillMissed(ctx, start)

	if reclaimed > 0 || backfilled > 0 {
		log.Printf("recovery: sweep done, reclaimed=%d backfilled=%d", reclaimed, backfilled)
	}
	if s.metrics != nil {
		s.metrics.SweepCompleted(reclaimed, backfilled, s.clock().UTC().Sub(start))
	}
}

func (s *Sweeper) reclaimLeases(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.config.LeaseTimeout)

	n, err := s.store.ReclaimExpiredLeases(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		log.Printf("recovery: reclaim expired leases failed: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("recovery: reclaimed %d abandoned records (leased before %s)",
			n, cutoff.Format(time.RFC3339))
	}
	return n
}

func (s *Sweeper) backfillMissed(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.config.BackfillGrace)

	missed, err := s.store.GetMissedProjections(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		log.Printf("recovery: fetch missed projections failed: %v", err)
		return 0
	}

	claimed := 0
	for _, p := range missed {
		if ctx.Err() != nil {
			return claimed
		}
		if s.claimAndEnqueue(ctx, p) {
			claimed++
		}
	}
	return claimed
}

// claimAndEnqueue reserves one missed occurrence and puts it on the
// queue. Same contract as the scheduler's claim: losing the reservation
// race is a benign outcome.
func (s *Sweeper) claimAndEnqueue(ctx context.Context, p domain.Projection) bool {
	recordID, err := s.ledger.TryReserve(ctx, p.ContactID, p.EventType, p.OccurrenceDate, p.TargetAt)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyReserved) {
			return false
		}
		log.Printf("recovery: reserve contact=%s event=%s failed: %v", p.ContactID, p.EventType, err)
		return false
	}

	log.Printf("recovery: backfilling missed occurrence contact=%s event=%s target=%s",
		p.ContactID, p.EventType, p.TargetAt.Format(time.RFC3339))

	msg := transport.Message{
		RecordID:       recordID,
		ContactID:      p.ContactID,
		EventType:      p.EventType,
		OccurrenceDate: p.OccurrenceDate,
		EnqueuedAt:     s.clock().UTC(),
	}
	if err := s.queue.Publish(ctx, msg); err != nil {
		// Leave the record pending: the scheduler enqueues it on its
		// next poll once the transport returns.
		log.Printf("recovery: publish record=%s failed: %v", recordID, err)
		return false
	}

	err = s.ledger.Transition(ctx, recordID, domain.StatusPending, domain.StatusQueued, ledger.Update{})
	if err != nil && !errors.Is(err, ledger.ErrSuperseded) {
		log.Printf("recovery: record=%s mark queued failed: %v", recordID, err)
	}
	return true
}
