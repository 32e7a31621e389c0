// Package materializer keeps the per-contact occurrence projections in
// sync with contact mutations. Projections only feed scheduling
// candidacy; the dispatch record's uniqueness constraint carries the
// correctness guarantee, so last-writer-wins on concurrent updates here
// is acceptable.
package materializer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/occurrence"
)

type Store interface {
	// ReplaceProjections atomically swaps the projection rows for one
	// contact.
	ReplaceProjections(ctx context.Context, contactID uuid.UUID, projections []domain.Projection) error

	// DeleteProjections removes all projection rows for one contact.
	DeleteProjections(ctx context.Context, contactID uuid.UUID) error

	// CancelPendingRecords moves the contact's pending dispatch records
	// to cancelled and reports how many were affected. Records already
	// queued or in flight are left to finish (best effort).
	CancelPendingRecords(ctx context.Context, contactID uuid.UUID) (int, error)
}

type Config struct {
	// SendHour is the target local wall-clock hour for notifications.
	SendHour int
}

type Materializer struct {
	config Config
	store  Store
	clock  func() time.Time
}

func New(config Config, store Store) *Materializer {
	return &Materializer{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// ContactCreated projects every event date on a new contact.
func (m *Materializer) ContactCreated(ctx context.Context, c domain.Contact) error {
	return m.ContactUpdated(ctx, c)
}

// ContactUpdated recomputes the contact's projections from scratch. A
// soft-deleted contact is routed to ContactDeleted. A computation
// failure on one event date is logged and skipped; it never blocks the
// contact's other events.
func (m *Materializer) ContactUpdated(ctx context.Context, c domain.Contact) error {
	if c.Deleted {
		return m.ContactDeleted(ctx, c.ID)
	}

	now := m.clock().UTC()
	projections := make([]domain.Projection, 0, len(c.Events))

	for _, ev := range c.Events {
		occ, err := occurrence.Next(ev.Month, ev.Day, c.Timezone, m.config.SendHour, now)
		if err != nil {
			log.Printf("materializer: contact=%s event=%s compute failed: %v", c.ID, ev.Type, err)
			continue
		}
		projections = append(projections, domain.Projection{
			ContactID:      c.ID,
			EventType:      ev.Type,
			OccurrenceDate: occ.Date,
			TargetAt:       occ.At,
			UpdatedAt:      now,
		})
	}

	if err := m.store.ReplaceProjections(ctx, c.ID, projections); err != nil {
		return fmt.Errorf("replace projections for %s: %w", c.ID, err)
	}
	return nil
}

// ContactDeleted removes the contact's projections and cancels its
// still-pending dispatch records. Records already queued or in flight
// are allowed to complete.
func (m *Materializer) ContactDeleted(ctx context.Context, contactID uuid.UUID) error {
	if err := m.store.DeleteProjections(ctx, contactID); err != nil {
		return fmt.Errorf("delete projections for %s: %w", contactID, err)
	}

	cancelled, err := m.store.CancelPendingRecords(ctx, contactID)
	if err != nil {
		return fmt.Errorf("cancel records for %s: %w", contactID, err)
	}
	if cancelled > 0 {
		log.Printf("materializer: contact=%s cancelled %d pending records", contactID, cancelled)
	}
	return nil
}
