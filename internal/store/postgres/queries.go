package postgres

// Schema the store expects. The uniqueness constraint on
// (contact_id, event_type, occurrence_date) is the only index mandatory
// for correctness; the rest serve scheduler/sweeper query performance.
//
//	CREATE TABLE contacts (
//	    id         UUID PRIMARY KEY,
//	    full_name  TEXT NOT NULL,
//	    email      TEXT NOT NULL,
//	    timezone   TEXT NOT NULL,
//	    deleted    BOOLEAN NOT NULL DEFAULT FALSE,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE contact_events (
//	    contact_id UUID NOT NULL REFERENCES contacts(id),
//	    event_type TEXT NOT NULL,
//	    month      INT  NOT NULL,
//	    day        INT  NOT NULL,
//	    PRIMARY KEY (contact_id, event_type)
//	);
//
//	CREATE TABLE occurrence_projections (
//	    contact_id      UUID NOT NULL,
//	    event_type      TEXT NOT NULL,
//	    occurrence_date DATE NOT NULL,
//	    target_at       TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (contact_id, event_type)
//	);
//	CREATE INDEX idx_projections_target_at ON occurrence_projections (target_at);
//
//	CREATE TABLE dispatch_records (
//	    id              UUID PRIMARY KEY,
//	    contact_id      UUID NOT NULL,
//	    event_type      TEXT NOT NULL,
//	    occurrence_date DATE NOT NULL,
//	    target_at       TIMESTAMPTZ NOT NULL,
//	    status          TEXT NOT NULL,
//	    retry_count     INT  NOT NULL DEFAULT 0,
//	    last_error      TEXT NOT NULL DEFAULT '',
//	    next_attempt_at TIMESTAMPTZ,
//	    leased_at       TIMESTAMPTZ,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL,
//	    CONSTRAINT dispatch_records_occurrence_unique
//	        UNIQUE (contact_id, event_type, occurrence_date)
//	);
//	CREATE INDEX idx_dispatch_status ON dispatch_records (status, next_attempt_at);
//	CREATE INDEX idx_dispatch_leased ON dispatch_records (leased_at) WHERE status IN ('queued', 'in_flight');

const queryTryReserve = `
INSERT INTO dispatch_records
    (id, contact_id, event_type, occurrence_date, target_at, status, retry_count, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, '', NOW(), NOW())
`

const queryTransition = `
UPDATE dispatch_records
SET status          = $3,
    retry_count     = COALESCE($4, retry_count),
    last_error      = COALESCE($5, last_error),
    next_attempt_at = COALESCE($6, next_attempt_at),
    leased_at       = CASE WHEN $3 IN ('queued', 'in_flight') THEN NOW() ELSE leased_at END,
    updated_at      = NOW()
WHERE id = $1
  AND status = $2
`

const queryGetRecordStatus = `
SELECT status FROM dispatch_records WHERE id = $1
`

const queryGetRecord = `
SELECT id, contact_id, event_type, occurrence_date, target_at,
       status, retry_count, last_error, next_attempt_at, leased_at,
       created_at, updated_at
FROM dispatch_records
WHERE id = $1
`

const queryGetDueProjections = `
SELECT p.contact_id, p.event_type, p.occurrence_date, p.target_at, p.updated_at
FROM occurrence_projections p
WHERE p.target_at <= $1
  AND NOT EXISTS (
      SELECT 1 FROM dispatch_records r
      WHERE r.contact_id = p.contact_id
        AND r.event_type = p.event_type
        AND r.occurrence_date = p.occurrence_date
  )
ORDER BY p.target_at ASC
LIMIT $2
`

const queryGetPendingRetries = `
SELECT id, contact_id, event_type, occurrence_date, target_at,
       status, retry_count, last_error, next_attempt_at, leased_at,
       created_at, updated_at
FROM dispatch_records
WHERE status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
ORDER BY next_attempt_at ASC NULLS FIRST
LIMIT $2
`

const queryGetContact = `
SELECT id, full_name, email, timezone, deleted, updated_at
FROM contacts
WHERE id = $1
`

const queryGetContactEvents = `
SELECT contact_id, event_type, month, day
FROM contact_events
WHERE contact_id = $1
ORDER BY event_type
`

const queryUpsertContact = `
INSERT INTO contacts (id, full_name, email, timezone, deleted, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (id) DO UPDATE
SET full_name  = EXCLUDED.full_name,
    email      = EXCLUDED.email,
    timezone   = EXCLUDED.timezone,
    deleted    = EXCLUDED.deleted,
    updated_at = NOW()
`

const queryDeleteContactEvents = `
DELETE FROM contact_events WHERE contact_id = $1
`

const queryInsertContactEvent = `
INSERT INTO contact_events (contact_id, event_type, month, day)
VALUES ($1, $2, $3, $4)
`

const queryMarkContactDeleted = `
UPDATE contacts SET deleted = TRUE, updated_at = NOW() WHERE id = $1
`

const queryUpsertProjection = `
INSERT INTO occurrence_projections (contact_id, event_type, occurrence_date, target_at, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (contact_id, event_type) DO UPDATE
SET occurrence_date = EXCLUDED.occurrence_date,
    target_at       = EXCLUDED.target_at,
    updated_at      = NOW()
`

const queryDeleteProjections = `
DELETE FROM occurrence_projections WHERE contact_id = $1
`

const queryCancelPendingRecords = `
UPDATE dispatch_records
SET status = 'cancelled', updated_at = NOW()
WHERE contact_id = $1
  AND status = 'pending'
`

const queryReclaimExpiredLeases = `
WITH stale AS (
    SELECT id FROM dispatch_records
    WHERE status IN ('queued', 'in_flight')
      AND leased_at < $1
    ORDER BY leased_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE dispatch_records
SET status = 'pending', leased_at = NULL, updated_at = NOW()
FROM stale
WHERE dispatch_records.id = stale.id
`

const queryGetMissedProjections = `
SELECT p.contact_id, p.event_type, p.occurrence_date, p.target_at, p.updated_at
FROM occurrence_projections p
WHERE p.target_at < $1
  AND NOT EXISTS (
      SELECT 1 FROM dispatch_records r
      WHERE r.contact_id = p.contact_id
        AND r.event_type = p.event_type
        AND r.occurrence_date = p.occurrence_date
  )
ORDER BY p.target_at ASC
LIMIT $2
`

const queryListDeadRecords = `
SELECT id, contact_id, event_type, occurrence_date, target_at,
       status, retry_count, last_error, next_attempt_at, leased_at,
       created_at, updated_at
FROM dispatch_records
WHERE status = 'dead'
ORDER BY updated_at DESC
LIMIT $1 OFFSET $2
`

const queryReplayDeadRecord = `
UPDATE dispatch_records
SET status = 'pending', retry_count = 0, next_attempt_at = NULL, leased_at = NULL, updated_at = NOW()
WHERE id = $1
  AND status = 'dead'
`
