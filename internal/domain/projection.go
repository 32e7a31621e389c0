package domain

import (
	"time"

	"github.com/google/uuid"
)

// Projection holds the next dispatch instant for one (contact, event type)
// pair. It is eventually consistent with contact state and is never the
// authority for duplicate prevention; that is the dispatch record's
// uniqueness constraint.
type Projection struct {
	ContactID uuid.UUID
	EventType EventType

	// OccurrenceDate is the calendar date of the next occurrence
	// (midnight UTC), the key the reservation is made under.
	OccurrenceDate time.Time
	TargetAt       time.Time // next dispatch instant, UTC
	UpdatedAt      time.Time
}
