package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// OpenViolation records the start of a non-compliant period. The record's
// ID is set on return.
func (s *Store) OpenViolation(ctx context.Context, rec *ViolationRecord) error {
	now := time.Now().UTC()
	rec.ViolationStart = rec.ViolationStart.UTC()
	rec.Resolved = false
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return s.withRetry(ctx, "open violation", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sla_violation_history
				(vessel_id, component_type, violation_start, uptime_percentage,
				 violation_duration_seconds, is_resolved, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			rec.VesselID, rec.Role, rec.ViolationStart, rec.UptimePercentage,
			rec.DurationSeconds, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// CloseViolation resolves an open violation, recording its end and the total
// duration derived from the stored start. Closing an unknown or already
// resolved id returns ErrNotFound.
func (s *Store) CloseViolation(ctx context.Context, id int64, end time.Time) (time.Duration, error) {
	var duration time.Duration

	err := s.withRetry(ctx, "close violation", func() error {
		var start time.Time
		err := s.db.GetContext(ctx, &start,
			`SELECT violation_start FROM sla_violation_history
			 WHERE id = ? AND is_resolved = 0`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		duration = end.Sub(start)
		if duration < 0 {
			duration = 0
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE sla_violation_history
			 SET violation_end = ?, violation_duration_seconds = ?, is_resolved = 1, updated_at = ?
			 WHERE id = ? AND is_resolved = 0`,
			end.UTC(), int64(duration.Seconds()), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return duration, nil
}

// OpenViolations returns every unresolved violation, oldest first. The SLA
// analyzer rebuilds its cache from this at startup.
func (s *Store) OpenViolations(ctx context.Context) ([]ViolationRecord, error) {
	var recs []ViolationRecord
	err := s.withRetry(ctx, "query open violations", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM sla_violation_history
			 WHERE is_resolved = 0
			 ORDER BY violation_start ASC`)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// OpenViolationFor returns the unresolved violation for one (vessel, role),
// or ErrNotFound.
func (s *Store) OpenViolationFor(ctx context.Context, vesselID string, role fleet.Role) (*ViolationRecord, error) {
	var rec ViolationRecord
	err := s.withRetry(ctx, "query open violation", func() error {
		return s.db.GetContext(ctx, &rec,
			`SELECT * FROM sla_violation_history
			 WHERE vessel_id = ? AND component_type = ? AND is_resolved = 0
			 ORDER BY violation_start DESC LIMIT 1`,
			vesselID, role)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ViolationHistory lists violations, newest first. When onlyOpen is set,
// resolved records are excluded. A zero limit means no limit.
func (s *Store) ViolationHistory(ctx context.Context, onlyOpen bool, limit int) ([]ViolationRecord, error) {
	query := `SELECT * FROM sla_violation_history`
	if onlyOpen {
		query += ` WHERE is_resolved = 0`
	}
	query += ` ORDER BY violation_start DESC`

	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var recs []ViolationRecord
	err := s.withRetry(ctx, "query violation history", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// VesselViolations lists one vessel's violations since the given time,
// newest first.
func (s *Store) VesselViolations(ctx context.Context, vesselID string, since time.Time) ([]ViolationRecord, error) {
	var recs []ViolationRecord
	err := s.withRetry(ctx, "query vessel violations", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM sla_violation_history
			 WHERE vessel_id = ? AND violation_start >= ?
			 ORDER BY violation_start DESC`,
			vesselID, since.UTC())
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
