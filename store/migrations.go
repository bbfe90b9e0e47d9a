package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// migration is one schema version step. Statements run in order inside a
// single transaction together with the schema_version bookkeeping row.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations is the ordered schema history. Append only; never edit an
// applied version.
var migrations = []migration{
	{
		version:     1,
		description: "initial monitoring schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sla_violation_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				vessel_id TEXT NOT NULL,
				component_type TEXT NOT NULL,
				violation_start TIMESTAMP NOT NULL,
				violation_end TIMESTAMP,
				uptime_percentage REAL NOT NULL,
				violation_duration_seconds INTEGER,
				is_resolved BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS component_status_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				vessel_id TEXT NOT NULL,
				component_type TEXT NOT NULL,
				uptime_percentage REAL NOT NULL,
				current_status TEXT NOT NULL,
				downtime_aging_seconds INTEGER NOT NULL,
				last_ping_time TIMESTAMP,
				recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS alert_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				vessel_id TEXT NOT NULL,
				component_type TEXT NOT NULL,
				alert_type TEXT NOT NULL,
				severity TEXT NOT NULL,
				message TEXT NOT NULL,
				metadata TEXT,
				is_resolved BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				resolved_at TIMESTAMP
			)`,
		},
	},
	{
		version:     2,
		description: "ticket tracking",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tickets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tracker_key TEXT UNIQUE NOT NULL,
				vessel_id TEXT NOT NULL,
				component_type TEXT NOT NULL,
				issue_summary TEXT NOT NULL,
				ticket_status TEXT NOT NULL,
				downtime_duration_seconds INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				resolved_at TIMESTAMP,
				alert_id INTEGER,
				FOREIGN KEY (alert_id) REFERENCES alert_history (id)
			)`,
			`CREATE TABLE IF NOT EXISTS ticket_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tracker_key TEXT UNIQUE NOT NULL,
				tracker_id TEXT NOT NULL,
				vessel_id TEXT NOT NULL,
				component_type TEXT NOT NULL,
				issue_severity TEXT NOT NULL,
				lifecycle_status TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				alert_ids TEXT,
				downtime_duration_seconds INTEGER NOT NULL,
				historical_context TEXT,
				resolution_notes TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS alert_ticket_links (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_id INTEGER NOT NULL,
				ticket_id INTEGER NOT NULL,
				linked_at TIMESTAMP NOT NULL,
				FOREIGN KEY (ticket_id) REFERENCES ticket_records (id),
				UNIQUE (alert_id, ticket_id)
			)`,
		},
	},
	{
		version:     3,
		description: "system state management",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS system_state (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				state_key TEXT UNIQUE NOT NULL,
				state_value TEXT NOT NULL,
				state_type TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version:     4,
		description: "scheduler run logging",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS scheduler_runs (
				id TEXT PRIMARY KEY,
				start_time TIMESTAMP NOT NULL,
				end_time TIMESTAMP,
				total_vessels INTEGER NOT NULL,
				successful_vessels INTEGER NOT NULL DEFAULT 0,
				failed_vessels INTEGER NOT NULL DEFAULT 0,
				retry_attempts INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
				duration_seconds INTEGER,
				error_message TEXT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS scheduler_vessel_results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				vessel_id TEXT NOT NULL,
				attempt_number INTEGER NOT NULL,
				success BOOLEAN NOT NULL,
				query_duration_ms INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				timestamp TIMESTAMP NOT NULL,
				FOREIGN KEY (run_id) REFERENCES scheduler_runs (id) ON DELETE CASCADE
			)`,
		},
	},
}

// indexStatements are created after migrations; all are idempotent.
var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_sla_violation_vessel_component ON sla_violation_history (vessel_id, component_type)`,
	`CREATE INDEX IF NOT EXISTS idx_sla_violation_start ON sla_violation_history (violation_start)`,
	`CREATE INDEX IF NOT EXISTS idx_component_status_vessel_component ON component_status_history (vessel_id, component_type)`,
	`CREATE INDEX IF NOT EXISTS idx_component_status_recorded ON component_status_history (recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_vessel_component ON alert_history (vessel_id, component_type)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_vessel_component ON tickets (vessel_id, component_type)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets (ticket_status)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_records_vessel_component ON ticket_records (vessel_id, component_type)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_records_lifecycle ON ticket_records (lifecycle_status)`,
	`CREATE INDEX IF NOT EXISTS idx_system_state_key ON system_state (state_key)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_runs_start_time ON scheduler_runs (start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_runs_status ON scheduler_runs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_vessel_results_run_id ON scheduler_vessel_results (run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_vessel_results_vessel_id ON scheduler_vessel_results (vessel_id)`,
}

// expectedTables is the post-migration validation set.
var expectedTables = []string{
	"schema_version",
	"sla_violation_history",
	"component_status_history",
	"alert_history",
	"tickets",
	"ticket_records",
	"alert_ticket_links",
	"system_state",
	"scheduler_runs",
	"scheduler_vessel_results",
}

func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate brings the schema up to the latest version. A file backup is taken
// before any migration runs; validation failures are fatal.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	)`); err != nil {
		return NewFatalError(fmt.Errorf("create schema_version table: %w", err))
	}

	current, err := s.currentVersion()
	if err != nil {
		return NewFatalError(err)
	}

	if current < latestVersion() {
		// A fresh database has nothing worth backing up.
		if current > 0 {
			if err := s.backupFile(); err != nil {
				return NewFatalError(err)
			}
		}

		s.logger.Info("Migrating database schema",
			"from_version", current,
			"to_version", latestVersion())

		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := s.applyMigration(m); err != nil {
				return NewFatalError(err)
			}
		}
	}

	for _, stmt := range indexStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return NewFatalError(fmt.Errorf("create index: %w", err))
		}
	}

	if err := s.validateSchema(); err != nil {
		return NewFatalError(err)
	}

	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.Get(&version, `SELECT MAX(version) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func (s *Store) applyMigration(m migration) error {
	s.logger.Info("Applying migration",
		"version", m.version,
		"description", m.description)

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		m.version, time.Now().UTC(), m.description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}

	return tx.Commit()
}

// backupFile copies the database file aside before migrations touch it.
// Nothing is copied for a fresh database.
func (s *Store) backupFile() error {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open database for backup: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat database for backup: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup.%s", s.path, time.Now().Format("20060102_150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}

	s.logger.Info("Database backed up before migration", "backup_path", backupPath)
	return nil
}

// validateSchema checks that every expected table exists and the recorded
// version matches the latest migration.
func (s *Store) validateSchema() error {
	var names []string
	if err := s.db.Select(&names, `SELECT name FROM sqlite_master WHERE type = 'table'`); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	existing := make(map[string]bool, len(names))
	for _, n := range names {
		existing[n] = true
	}

	var missing []string
	for _, want := range expectedTables {
		if !existing[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema validation: missing tables: %s", strings.Join(missing, ", "))
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}
	if current < latestVersion() {
		return fmt.Errorf("schema validation: version %d behind latest %d", current, latestVersion())
	}

	return nil
}
