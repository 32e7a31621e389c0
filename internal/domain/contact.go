package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTypeBirthday    EventType = "birthday"
	EventTypeAnniversary EventType = "anniversary"
)

// Contact is the tracked entity. It is owned by the external contact
// management service; this core only reads it.
type Contact struct {
	ID       uuid.UUID
	FullName string
	Email    string
	Timezone string // IANA name, defaults to UTC

	Events []EventDate

	Deleted   bool
	UpdatedAt time.Time
}

// EventDate is one recurring annual date on a contact.
type EventDate struct {
	ContactID uuid.UUID
	Type      EventType

	Month time.Month
	Day   int
}
