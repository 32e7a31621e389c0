package domain

import (
	"time"

	"github.com/google/uuid"
)

type DispatchStatus string

const (
	StatusPending   DispatchStatus = "pending"
	StatusQueued    DispatchStatus = "queued"
	StatusInFlight  DispatchStatus = "in_flight"
	StatusSent      DispatchStatus = "sent"
	StatusDead      DispatchStatus = "dead"
	StatusCancelled DispatchStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s DispatchStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusDead, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move in the
// dispatch state machine:
//
//	pending  -> queued | cancelled
//	queued   -> in_flight | pending   (pending = lease reclaim)
//	in_flight-> sent | pending | dead (pending = retry or lease reclaim)
func CanTransition(from, to DispatchStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusCancelled
	case StatusQueued:
		return to == StatusInFlight || to == StatusPending
	case StatusInFlight:
		return to == StatusSent || to == StatusPending || to == StatusDead
	}
	return false
}

// DispatchRecord is the durable unit of work: "send the notification for
// this occurrence". Exactly one record may exist per
// (contact, event type, occurrence date); the postgres uniqueness
// constraint on that triple is the system's at-most-once guarantee.
// Records are never deleted.
type DispatchRecord struct {
	ID uuid.UUID

	ContactID uuid.UUID
	EventType EventType

	// OccurrenceDate is the calendar date the event refers to
	// (midnight UTC), not the send instant.
	OccurrenceDate time.Time
	TargetAt       time.Time // intended send instant, UTC

	Status     DispatchStatus
	RetryCount int
	LastError  string

	// NextAttemptAt gates retry re-enqueue after a transient failure.
	NextAttemptAt time.Time
	// LeasedAt is set on queued/in_flight transitions; the sweeper
	// reclaims records whose lease has expired.
	LeasedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OccurrenceDateOf truncates t to its calendar date at midnight UTC, the
// canonical form used in the uniqueness constraint.
func OccurrenceDateOf(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
