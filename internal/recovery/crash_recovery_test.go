package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/scheduler"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/testutil"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/worker"
)

// pipelineBackend extends mockBackend with the scheduler and worker
// store methods so one in-memory store can back the whole pipeline.
type pipelineBackend struct {
	*mockBackend
	contact domain.Contact
}

func (b *pipelineBackend) GetDueProjections(ctx context.Context, now time.Time, limit int) ([]domain.Projection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []domain.Projection
	for _, p := range b.projections {
		if p.TargetAt.After(now) {
			continue
		}
		if _, exists := b.records[key(p.ContactID, p.EventType, p.OccurrenceDate)]; exists {
			continue
		}
		due = append(due, p)
	}
	return due, nil
}

func (b *pipelineBackend) GetPendingRetries(ctx context.Context, now time.Time, limit int) ([]domain.DispatchRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.DispatchRecord
	for _, rec := range b.byID {
		if rec.Status == domain.StatusPending && !rec.NextAttemptAt.After(now) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (b *pipelineBackend) GetRecord(ctx context.Context, recordID uuid.UUID) (domain.DispatchRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byID[recordID]
	if !ok {
		return domain.DispatchRecord{}, ledger.ErrRecordNotFound
	}
	return *rec, nil
}

func (b *pipelineBackend) GetContact(ctx context.Context, contactID uuid.UUID) (domain.Contact, error) {
	if contactID != b.contact.ID {
		return domain.Contact{}, worker.ErrContactNotFound
	}
	return b.contact, nil
}

func (b *pipelineBackend) UpsertProjection(ctx context.Context, p domain.Projection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.projections {
		if b.projections[i].ContactID == p.ContactID && b.projections[i].EventType == p.EventType {
			b.projections[i] = p
			return nil
		}
	}
	b.projections = append(b.projections, p)
	return nil
}

type countingChannel struct {
	mu    sync.Mutex
	calls int
}

func (c *countingChannel) Deliver(ctx context.Context, recipient string, msg delivery.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// TestCrashRecovery_AbandonedInFlightIsSentExactlyOnce drives a record
// through a simulated worker crash: in_flight with an expired lease,
// reclaimed by the sweeper, re-enqueued by the scheduler and delivered
// by a worker. The record ends sent and the channel is invoked once.
func TestCrashRecovery_AbandonedInFlightIsSentExactlyOnce(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC)
	clock := testutil.NewFakeClock(now)

	backend := &pipelineBackend{mockBackend: newMockBackend()}
	backend.contact = domain.Contact{
		ID:       uuid.New(),
		FullName: "Ada Lovelace",
		Email:    "ada@example.com",
		Timezone: "Asia/Tokyo",
		Events: []domain.EventDate{
			{Type: domain.EventTypeBirthday, Month: time.June, Day: 15},
		},
	}

	// The crash: a worker claimed this record an hour ago and died.
	rec := &domain.DispatchRecord{
		ID:             uuid.New(),
		ContactID:      backend.contact.ID,
		EventType:      domain.EventTypeBirthday,
		OccurrenceDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		TargetAt:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Status:         domain.StatusInFlight,
		RetryCount:     1,
		LeasedAt:       now.Add(-time.Hour),
	}
	backend.records[key(rec.ContactID, rec.EventType, rec.OccurrenceDate)] = rec
	backend.byID[rec.ID] = rec

	queue := &mockQueue{}
	channel := &countingChannel{}

	sweeper := New(Config{LeaseTimeout: 10 * time.Minute}, backend, backend, queue)
	sweeper.clock = clock.Now
	sched := scheduler.New(scheduler.Config{PollInterval: time.Second}, backend, backend, queue).
		WithClock(clock.Now)
	w := worker.New(worker.Config{MaxRetries: 3, SendHour: 9}, backend, backend, channel)

	sweeper.Sweep(ctx)
	if got := backend.record(rec.ID); got.Status != domain.StatusPending {
		t.Fatalf("after sweep status = %s, want pending", got.Status)
	}
	if got := backend.record(rec.ID); got.RetryCount != 1 {
		t.Fatalf("after sweep retry count = %d, want 1 (preserved)", got.RetryCount)
	}

	if err := sched.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if queue.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", queue.publishedCount())
	}

	w.Handle(ctx, queue.published[0])

	if got := backend.record(rec.ID); got.Status != domain.StatusSent {
		t.Fatalf("final status = %s, want sent", got.Status)
	}
	if channel.callCount() != 1 {
		t.Fatalf("delivery calls = %d, want exactly 1", channel.callCount())
	}

	// Another full cycle must be a no-op: no re-publish, no re-send.
	sweeper.Sweep(ctx)
	if err := sched.Poll(ctx); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if queue.publishedCount() != 1 {
		t.Errorf("published after second cycle = %d, want 1", queue.publishedCount())
	}
	if channel.callCount() != 1 {
		t.Errorf("delivery calls after second cycle = %d, want 1", channel.callCount())
	}
}
