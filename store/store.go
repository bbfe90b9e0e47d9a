// Package store persists monitoring history in an embedded SQLite database:
// component status, SLA violations, alerts, tickets, scheduler runs, and
// key/value system state. Writes are short single-operation transactions;
// a locked database is retried with backoff before surfacing a transient
// error, while schema problems surface as fatal.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// busyRetries bounds retries when SQLite reports the file locked.
	busyRetries = 3

	// busyBackoffBase is the initial sleep between busy retries.
	busyBackoffBase = 100 * time.Millisecond
)

// Store wraps the SQLite database holding all persistent monitoring state.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if needed) the database at path, applies pending
// migrations, and validates the resulting schema. A validation failure is
// fatal: the caller must abort startup.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewFatalError(fmt.Errorf("create database directory: %w", err))
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("open database %s: %w", path, err))
	}
	s.db = db

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("Database opened",
		"path", path,
		"schema_version", latestVersion())

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// withRetry runs fn, retrying with backoff while SQLite reports the file
// busy or locked. Exhausted retries surface as a transient error; anything
// else returns unchanged.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= busyRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isBusy(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		if attempt < busyRetries {
			backoff := busyBackoffBase << attempt
			s.logger.Debug("Database busy, retrying",
				"op", op,
				"attempt", attempt+1,
				"backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return NewTransientError(fmt.Errorf("%s: database busy after %d retries: %w", op, busyRetries, lastErr))
}

// isBusy reports whether err is SQLite's locked/busy condition.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// CleanupCounts reports how many rows Cleanup removed per table.
type CleanupCounts struct {
	ComponentStatus int64 `json:"component_status_history"`
	Violations      int64 `json:"sla_violation_history"`
	Alerts          int64 `json:"alert_history"`
	Tickets         int64 `json:"tickets"`
	TicketRecords   int64 `json:"ticket_records"`
	SystemState     int64 `json:"system_state"`
}

// Total sums the per-table counts.
func (c CleanupCounts) Total() int64 {
	return c.ComponentStatus + c.Violations + c.Alerts + c.Tickets + c.TicketRecords + c.SystemState
}

// Cleanup deletes records older than daysToKeep: all component history,
// resolved violations, resolved alerts, resolved tickets, closed ticket
// records, and stale system state. The system_version and installation_date
// keys are never removed.
func (s *Store) Cleanup(ctx context.Context, daysToKeep int) (CleanupCounts, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	var counts CleanupCounts

	err := s.withRetry(ctx, "cleanup old records", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		steps := []struct {
			dest  *int64
			query string
			args  []any
		}{
			{&counts.ComponentStatus,
				`DELETE FROM component_status_history WHERE recorded_at < ?`,
				[]any{cutoff}},
			{&counts.Violations,
				`DELETE FROM sla_violation_history WHERE is_resolved = 1 AND updated_at < ?`,
				[]any{cutoff}},
			{&counts.Alerts,
				`DELETE FROM alert_history WHERE is_resolved = 1 AND resolved_at < ?`,
				[]any{cutoff}},
			{&counts.Tickets,
				`DELETE FROM tickets WHERE resolved_at IS NOT NULL AND resolved_at < ?`,
				[]any{cutoff}},
			{&counts.TicketRecords,
				`DELETE FROM ticket_records WHERE lifecycle_status IN ('resolved', 'closed') AND updated_at < ?`,
				[]any{cutoff}},
			{&counts.SystemState,
				`DELETE FROM system_state WHERE updated_at < ? AND state_key NOT IN ('system_version', 'installation_date')`,
				[]any{cutoff}},
		}

		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, step.args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			*step.dest = n
		}

		return tx.Commit()
	})
	if err != nil {
		return CleanupCounts{}, err
	}

	s.logger.Info("Cleaned up old records",
		"days_to_keep", daysToKeep,
		"total_deleted", counts.Total())

	return counts, nil
}
