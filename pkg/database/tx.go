package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBusy reports that a write transaction kept losing the write lock for
// the whole retry budget. Callers treat it as retryable.
var ErrBusy = errors.New("database busy")

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting the query
// helpers in this package run either standalone or inside a
// caller-managed transaction without duplicating their SQL.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// WithImmediateTx runs fn inside a write transaction, retrying on
// SQLITE_BUSY with backoff. The database connection must have been
// opened with the _txlock=immediate DSN parameter (OpenDatabase sets
// this) so that db.BeginTx acquires the write lock up front instead of
// upgrading lazily on first write, which is what lets two registrars
// deadlock against each other under concurrent appends.
func WithImmediateTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	const maxAttempts = 10
	backoff := 5 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := runInTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("transaction still busy after %d attempts (%v): %w", maxAttempts, lastErr, ErrBusy)
}

func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
