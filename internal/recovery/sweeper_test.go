package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/testutil"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/transport"
)

// mockBackend implements Store and ledger.Ledger over one record map,
// mirroring the database semantics the sweeper relies on.
type mockBackend struct {
	mu          sync.Mutex
	records     map[string]*domain.DispatchRecord // key: contact|event|date
	byID        map[uuid.UUID]*domain.DispatchRecord
	projections []domain.Projection
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		records: make(map[string]*domain.DispatchRecord),
		byID:    make(map[uuid.UUID]*domain.DispatchRecord),
	}
}

func key(contactID uuid.UUID, eventType domain.EventType, occurrenceDate time.Time) string {
	return contactID.String() + "|" + string(eventType) + "|" + occurrenceDate.Format("2006-01-02")
}

func (b *mockBackend) ReclaimExpiredLeases(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, rec := range b.byID {
		if n >= limit {
			break
		}
		claimed := rec.Status == domain.StatusQueued || rec.Status == domain.StatusInFlight
		if claimed && rec.LeasedAt.Before(cutoff) {
			rec.Status = domain.StatusPending
			n++
		}
	}
	return n, nil
}

func (b *mockBackend) GetMissedProjections(ctx context.Context, cutoff time.Time, limit int) ([]domain.Projection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []domain.Projection
	for _, p := range b.projections {
		if !p.TargetAt.Before(cutoff) {
			continue
		}
		if _, exists := b.records[key(p.ContactID, p.EventType, p.OccurrenceDate)]; exists {
			continue
		}
		result = append(result, p)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (b *mockBackend) TryReserve(ctx context.Context, contactID uuid.UUID, eventType domain.EventType, occurrenceDate, targetAt time.Time) (uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(contactID, eventType, occurrenceDate)
	if _, exists := b.records[k]; exists {
		return uuid.Nil, ledger.ErrAlreadyReserved
	}
	rec := &domain.DispatchRecord{
		ID:             uuid.New(),
		ContactID:      contactID,
		EventType:      eventType,
		OccurrenceDate: occurrenceDate,
		TargetAt:       targetAt,
		Status:         domain.StatusPending,
	}
	b.records[k] = rec
	b.byID[rec.ID] = rec
	return rec.ID, nil
}

func (b *mockBackend) Transition(ctx context.Context, recordID uuid.UUID, from, to domain.DispatchStatus, upd ledger.Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.byID[recordID]
	if !ok {
		return ledger.ErrRecordNotFound
	}
	if rec.Status != from {
		return ledger.ErrSuperseded
	}
	rec.Status = to
	return nil
}

func (b *mockBackend) addRecord(status domain.DispatchStatus, retryCount int, leasedAt time.Time) *domain.DispatchRecord {
	rec := &domain.DispatchRecord{
		ID:             uuid.New(),
		ContactID:      uuid.New(),
		EventType:      domain.EventTypeBirthday,
		OccurrenceDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		TargetAt:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Status:         status,
		RetryCount:     retryCount,
		LeasedAt:       leasedAt,
	}
	b.mu.Lock()
	b.records[key(rec.ContactID, rec.EventType, rec.OccurrenceDate)] = rec
	b.byID[rec.ID] = rec
	b.mu.Unlock()
	return rec
}

func (b *mockBackend) record(recordID uuid.UUID) domain.DispatchRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.byID[recordID]
}

func (b *mockBackend) recordCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

type mockQueue struct {
	mu        sync.Mutex
	published []transport.Message
}

func (q *mockQueue) Publish(ctx context.Context, msg transport.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, msg)
	return nil
}

func (q *mockQueue) Consume(ctx context.Context, consumer string, handler transport.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *mockQueue) publishedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

func TestSweep_ReclaimsAbandonedRecords(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	queue := &mockQueue{}

	now := time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)
	fresh := now.Add(-time.Minute)

	abandoned := backend.addRecord(domain.StatusInFlight, 2, stale)
	staleQueued := backend.addRecord(domain.StatusQueued, 0, stale)
	active := backend.addRecord(domain.StatusInFlight, 0, fresh)
	sent := backend.addRecord(domain.StatusSent, 1, stale)

	s := New(Config{LeaseTimeout: 10 * time.Minute}, backend, backend, queue)
	s.clock = testutil.NewFakeClock(now).Now

	s.Sweep(ctx)

	if got := backend.record(abandoned.ID); got.Status != domain.StatusPending {
		t.Errorf("abandoned in_flight status = %s, want pending", got.Status)
	}
	// Retry count survives the reclaim so the budget stays honest.
	if got := backend.record(abandoned.ID); got.RetryCount != 2 {
		t.Errorf("reclaimed retry count = %d, want 2", got.RetryCount)
	}
	if got := backend.record(staleQueued.ID); got.Status != domain.StatusPending {
		t.Errorf("stale queued status = %s, want pending", got.Status)
	}
	if got := backend.record(active.ID); got.Status != domain.StatusInFlight {
		t.Errorf("live lease status = %s, want in_flight (untouched)", got.Status)
	}
	if got := backend.record(sent.ID); got.Status != domain.StatusSent {
		t.Errorf("terminal record status = %s, want sent (untouched)", got.Status)
	}
}

func TestSweep_BackfillsMissedOccurrence(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	queue := &mockQueue{}

	now := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)
	backend.projections = []domain.Projection{{
		ContactID:      uuid.New(),
		EventType:      domain.EventTypeBirthday,
		OccurrenceDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		TargetAt:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}}

	s := New(Config{BackfillGrace: 15 * time.Minute}, backend, backend, queue)
	s.clock = testutil.NewFakeClock(now).Now

	s.Sweep(ctx)

	if queue.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", queue.publishedCount())
	}
	if backend.recordCount() != 1 {
		t.Fatalf("records = %d, want 1", backend.recordCount())
	}
	rec := backend.record(queue.published[0].RecordID)
	if rec.Status != domain.StatusQueued {
		t.Errorf("backfilled record status = %s, want queued", rec.Status)
	}

	// A second sweep finds the record in place and does nothing.
	s.Sweep(ctx)
	if queue.publishedCount() != 1 {
		t.Errorf("published after second sweep = %d, want 1", queue.publishedCount())
	}
}

func TestSweep_WithinGraceWindowWaitsForScheduler(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	queue := &mockQueue{}

	now := time.Date(2025, 6, 15, 0, 5, 0, 0, time.UTC)
	backend.projections = []domain.Projection{{
		ContactID:      uuid.New(),
		EventType:      domain.EventTypeBirthday,
		OccurrenceDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		TargetAt:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}}

	s := New(Config{BackfillGrace: 15 * time.Minute}, backend, backend, queue)
	s.clock = testutil.NewFakeClock(now).Now

	s.Sweep(ctx)

	if queue.publishedCount() != 0 {
		t.Errorf("published = %d, want 0 (only 5m overdue, inside grace)", queue.publishedCount())
	}
}

// TestSweep_ConcurrentSweepers verifies the reservation race: several
// sweepers backfilling the same missed occurrence produce one record.
func TestSweep_ConcurrentSweepers(t *testing.T) {
	ctx := testutil.TestContext(t)
	backend := newMockBackend()
	queue := &mockQueue{}

	now := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)
	p := domain.Projection{
		ContactID:      uuid.New(),
		EventType:      domain.EventTypeBirthday,
		OccurrenceDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		TargetAt:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}

	backend.projections = []domain.Projection{p}

	const instances = 8
	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		s := New(Config{BackfillGrace: 15 * time.Minute}, backend, backend, queue)
		s.clock = testutil.NewFakeClock(now).Now
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Sweep(ctx)
		}()
	}
	wg.Wait()

	if backend.recordCount() != 1 {
		t.Errorf("records = %d, want exactly 1", backend.recordCount())
	}
	if queue.publishedCount() != 1 {
		t.Errorf("published = %d, want exactly 1", queue.publishedCount())
	}
}
