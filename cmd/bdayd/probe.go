package main

import (
	"database/sql"
	"fmt"
)

// probeDispatchRecords verifies the dispatch_records table and its
// uniqueness constraint exist before any component starts. Running
// without the constraint would silently void the at-most-once guarantee.
func probeDispatchRecords(db *sql.DB) error {
	var constraintName string
	err := db.QueryRow(`
		SELECT conname
		FROM pg_constraint
		WHERE conrelid = 'dispatch_records'::regclass
		  AND contype = 'u'
		LIMIT 1`).Scan(&constraintName)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dispatch_records has no unique constraint")
	}
	if err != nil {
		return fmt.Errorf("probe dispatch_records: %w", err)
	}
	return nil
}
