// Package ledger defines the idempotency ledger: the single correctness
// primitive of the dispatch core. Reservation is an atomic constrained
// insert; under a race between N claimants exactly one insert succeeds.
// It must never be approximated with a cache lookup.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
)

// ErrAlreadyReserved is the losing side of a reservation race. It is an
// expected, benign outcome, not a failure.
var ErrAlreadyReserved = errors.New("occurrence already reserved")

// ErrSuperseded is returned by Transition when the record is no longer
// in the expected status. Callers treat it as a no-op: this is what
// makes duplicate queue deliveries harmless.
var ErrSuperseded = errors.New("transition superseded: record not in expected status")

// ErrRecordNotFound is returned when the referenced record does not exist.
var ErrRecordNotFound = errors.New("dispatch record not found")

// Update carries the optional fields a transition may set. Nil fields
// are left untouched.
type Update struct {
	RetryCount    *int
	LastError     *string
	NextAttemptAt *time.Time
}

// Ledger is the durable claim store. Implementations back both methods
// with the same table: TryReserve relies on the uniqueness constraint on
// (contact id, event type, occurrence date); Transition is a conditional
// update guarded by the expected current status.
type Ledger interface {
	// TryReserve creates the dispatch record for one occurrence in
	// status pending and returns its id. Returns ErrAlreadyReserved if
	// any record for the triple already exists, whatever its status.
	TryReserve(ctx context.Context, contactID uuid.UUID, eventType domain.EventType, occurrenceDate, targetAt time.Time) (uuid.UUID, error)

	// Transition moves a record from -> to, applying upd. Returns
	// ErrSuperseded when the record exists but is not in status from,
	// ErrRecordNotFound when it does not exist.
	Transition(ctx context.Context, recordID uuid.UUID, from, to domain.DispatchStatus, upd Update) error
}
