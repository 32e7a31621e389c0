// Package postgres is the durable store behind every component of the
// dispatch core. The dispatch_records uniqueness constraint implemented
// here is the at-most-once guarantee; everything else is query plumbing.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/api"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/ledger"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/materializer"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/recovery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/scheduler"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/worker"
)

// Store implements the ledger and the component store interfaces on
// PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store over the given database connection. opTimeout
// bounds every single operation.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

// opCtx derives the per-operation timeout context.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// TryReserve atomically claims one occurrence. The INSERT relies on the
// uniqueness constraint over (contact_id, event_type, occurrence_date):
// under a race between N claimants exactly one insert succeeds and the
// rest receive ledger.ErrAlreadyReserved.
func (s *Store) TryReserve(ctx context.Context, contactID uuid.UUID, eventType domain.EventType, occurrenceDate, targetAt time.Time) (uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	id := uuid.New()
	_, err := s.db.ExecContext(ctx, queryTryReserve,
		id,
		contactID,
		string(eventType),
		occurrenceDate,
		targetAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return uuid.Nil, ledger.ErrAlreadyReserved
		}
		return uuid.Nil, err
	}
	return id, nil
}

// Transition performs a conditional status update. The expected current
// status sits in the WHERE clause, so the check and the write are one
// atomic statement; PostgreSQL acquires the row lock before evaluating
// WHERE, which serializes concurrent claimants. A precondition that no
// longer holds maps to ledger.ErrSuperseded.
func (s *Store) Transition(ctx context.Context, recordID uuid.UUID, from, to domain.DispatchStatus, upd ledger.Update) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryTransition,
		recordID,
		string(from),
		string(to),
		upd.RetryCount,
		upd.LastError,
		upd.NextAttemptAt,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// Either the record does not exist or its status moved on.
		var current string
		err := s.db.QueryRowContext(ctx, queryGetRecordStatus, recordID).Scan(&current)
		if err == sql.ErrNoRows {
			return ledger.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return ledger.ErrSuperseded
	}
	return nil
}

// GetRecord returns one dispatch record by id.
func (s *Store) GetRecord(ctx context.Context, recordID uuid.UUID) (domain.DispatchRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rec, err := scanRecord(s.db.QueryRowContext(ctx, queryGetRecord, recordID))
	if err == sql.ErrNoRows {
		return domain.DispatchRecord{}, ledger.ErrRecordNotFound
	}
	return rec, err
}

// GetDueProjections returns projections whose target instant has
// arrived and which have no dispatch record for that occurrence yet.
func (s *Store) GetDueProjections(ctx context.Context, now time.Time, limit int) ([]domain.Projection, error) {
	return s.queryProjections(ctx, queryGetDueProjections, now, limit)
}

// GetPendingRetries returns pending records whose backoff delay has
// elapsed (or that never got enqueued), oldest first.
func (s *Store) GetPendingRetries(ctx context.Context, now time.Time, limit int) ([]domain.DispatchRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetPendingRetries, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// GetContact returns the contact with its event dates. Soft-deleted and
// unknown contacts both map to worker.ErrContactNotFound: neither may
// receive a notification.
func (s *Store) GetContact(ctx context.Context, contactID uuid.UUID) (domain.Contact, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var c domain.Contact
	err := s.db.QueryRowContext(ctx, queryGetContact, contactID).Scan(
		&c.ID,
		&c.FullName,
		&c.Email,
		&c.Timezone,
		&c.Deleted,
		&c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Contact{}, worker.ErrContactNotFound
	}
	if err != nil {
		return domain.Contact{}, err
	}
	if c.Deleted {
		return domain.Contact{}, worker.ErrContactNotFound
	}

	rows, err := s.db.QueryContext(ctx, queryGetContactEvents, contactID)
	if err != nil {
		return domain.Contact{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev domain.EventDate
		var eventType string
		var month int
		if err := rows.Scan(&ev.ContactID, &eventType, &month, &ev.Day); err != nil {
			return domain.Contact{}, err
		}
		ev.Type = domain.EventType(eventType)
		ev.Month = time.Month(month)
		c.Events = append(c.Events, ev)
	}
	return c, rows.Err()
}

// UpsertContact writes the local read copy of a contact and its event
// dates in one transaction.
func (s *Store) UpsertContact(ctx context.Context, c domain.Contact) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryUpsertContact,
		c.ID,
		c.FullName,
		c.Email,
		c.Timezone,
		c.Deleted,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, queryDeleteContactEvents, c.ID)
	if err != nil {
		return err
	}
	for _, ev := range c.Events {
		_, err = tx.ExecContext(ctx, queryInsertContactEvent,
			c.ID,
			string(ev.Type),
			int(ev.Month),
			ev.Day,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkContactDeleted soft-deletes the local contact copy. Projections
// and pending records are handled by the materializer, not here.
func (s *Store) MarkContactDeleted(ctx context.Context, contactID uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryMarkContactDeleted, contactID)
	return err
}

// UpsertProjection writes one projection row, replacing any previous
// occurrence for the same (contact, event type).
func (s *Store) UpsertProjection(ctx context.Context, p domain.Projection) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpsertProjection,
		p.ContactID,
		string(p.EventType),
		p.OccurrenceDate,
		p.TargetAt,
	)
	return err
}

// ReplaceProjections swaps all projection rows for one contact in a
// transaction, so scheduler polls never observe a partial set.
func (s *Store) ReplaceProjections(ctx context.Context, contactID uuid.UUID, projections []domain.Projection) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryDeleteProjections, contactID)
	if err != nil {
		return err
	}
	for _, p := range projections {
		_, err = tx.ExecContext(ctx, queryUpsertProjection,
			p.ContactID,
			string(p.EventType),
			p.OccurrenceDate,
			p.TargetAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteProjections removes every projection row for one contact.
func (s *Store) DeleteProjections(ctx context.Context, contactID uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryDeleteProjections, contactID)
	return err
}

// CancelPendingRecords cancels the contact's still-pending records and
// reports how many were affected. Queued and in-flight records are left
// to finish.
func (s *Store) CancelPendingRecords(ctx context.Context, contactID uuid.UUID) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryCancelPendingRecords, contactID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ReclaimExpiredLeases resets queued/in_flight records leased before
// cutoff back to pending, preserving retry counts. FOR UPDATE SKIP
// LOCKED lets concurrent sweepers partition the stale set instead of
// blocking on each other.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryReclaimExpiredLeases, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// GetMissedProjections returns projections whose target instant is
// older than cutoff with no dispatch record at all.
func (s *Store) GetMissedProjections(ctx context.Context, cutoff time.Time, limit int) ([]domain.Projection, error) {
	return s.queryProjections(ctx, queryGetMissedProjections, cutoff, limit)
}

// ListDeadRecords returns dead records for operator inspection, most
// recently dead first.
func (s *Store) ListDeadRecords(ctx context.Context, limit, offset int) ([]domain.DispatchRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDeadRecords, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ReplayDeadRecord moves a dead record back to pending with a fresh
// retry budget. Guarded on status='dead' so a replay can never disturb
// a live record.
func (s *Store) ReplayDeadRecord(ctx context.Context, recordID uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryReplayDeadRecord, recordID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetRecordStatus, recordID).Scan(&current)
		if err == sql.ErrNoRows {
			return ledger.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return api.ErrReplayDenied
	}
	return nil
}

func (s *Store) queryProjections(ctx context.Context, query string, cutoff time.Time, limit int) ([]domain.Projection, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Projection
	for rows.Next() {
		var p domain.Projection
		var eventType string
		err := rows.Scan(&p.ContactID, &eventType, &p.OccurrenceDate, &p.TargetAt, &p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		p.EventType = domain.EventType(eventType)
		result = append(result, p)
	}
	return result, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (domain.DispatchRecord, error) {
	var rec domain.DispatchRecord
	var status string
	var nextAttemptAt, leasedAt sql.NullTime

	err := sc.Scan(
		&rec.ID,
		&rec.ContactID,
		&rec.EventType,
		&rec.OccurrenceDate,
		&rec.TargetAt,
		&status,
		&rec.RetryCount,
		&rec.LastError,
		&nextAttemptAt,
		&leasedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	rec.Status = domain.DispatchStatus(status)
	if nextAttemptAt.Valid {
		rec.NextAttemptAt = nextAttemptAt.Time
	}
	if leasedAt.Valid {
		rec.LeasedAt = leasedAt.Time
	}
	return rec, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL unique violation error code is 23505
	// Check error message for common patterns from both lib/pq and pgx
	errStr := err.Error()
	return contains(errStr, "23505") || contains(errStr, "unique constraint") || contains(errStr, "duplicate key")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Compile-time interface assertions
var (
	_ ledger.Ledger      = (*Store)(nil)
	_ scheduler.Store    = (*Store)(nil)
	_ worker.Store       = (*Store)(nil)
	_ materializer.Store = (*Store)(nil)
	_ recovery.Store     = (*Store)(nil)
	_ api.Store          = (*Store)(nil)
)
