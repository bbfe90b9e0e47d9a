package store

import (
	"context"
	"time"
)

// InsertAlert appends one alert. Notification-style alerts (recoveries) may
// be inserted already resolved. The record's ID is set on return.
func (s *Store) InsertAlert(ctx context.Context, rec *AlertRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return s.withRetry(ctx, "insert alert", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO alert_history
				(vessel_id, component_type, alert_type, severity, message,
				 metadata, is_resolved, created_at, resolved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.VesselID, rec.Role, rec.Kind, rec.Severity, rec.Message,
			rec.Metadata, rec.Resolved, rec.CreatedAt, rec.ResolvedAt)
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// ResolveAlert marks an open alert resolved. Resolving an unknown or
// already-resolved id returns ErrNotFound.
func (s *Store) ResolveAlert(ctx context.Context, id int64, at time.Time) error {
	return s.withRetry(ctx, "resolve alert", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE alert_history
			 SET is_resolved = 1, resolved_at = ?
			 WHERE id = ? AND is_resolved = 0`,
			at.UTC(), id)
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
}

// UpdateAlertMetadata replaces an alert's metadata object.
func (s *Store) UpdateAlertMetadata(ctx context.Context, id int64, metadata JSONMap) error {
	return s.withRetry(ctx, "update alert metadata", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE alert_history SET metadata = ? WHERE id = ?`,
			metadata, id)
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
}

// OpenAlerts returns every unresolved alert, oldest first. The alert
// manager rebuilds its ledger from this at startup.
func (s *Store) OpenAlerts(ctx context.Context) ([]AlertRecord, error) {
	var recs []AlertRecord
	err := s.withRetry(ctx, "query open alerts", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM alert_history
			 WHERE is_resolved = 0
			 ORDER BY created_at ASC`)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// AlertHistory lists alerts since the given time, newest first. A zero
// limit means no limit.
func (s *Store) AlertHistory(ctx context.Context, since time.Time, limit int) ([]AlertRecord, error) {
	query := `SELECT * FROM alert_history WHERE created_at >= ? ORDER BY created_at DESC`
	args := []any{since.UTC()}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var recs []AlertRecord
	err := s.withRetry(ctx, "query alert history", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
