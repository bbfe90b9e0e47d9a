package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// InsertTicket records a tracker ticket mirror row. The record's ID is set
// on return. Inserting a tracker key that already exists fails on the
// UNIQUE constraint.
func (s *Store) InsertTicket(ctx context.Context, t *Ticket) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	return s.withRetry(ctx, "insert ticket", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tickets
				(tracker_key, vessel_id, component_type, issue_summary, ticket_status,
				 downtime_duration_seconds, alert_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TrackerKey, t.VesselID, t.Role, t.Summary, t.TrackerStatus,
			t.DowntimeSeconds, t.AlertID, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateTicketStatus mirrors a tracker status change. A non-nil resolvedAt
// also closes the ticket locally.
func (s *Store) UpdateTicketStatus(ctx context.Context, trackerKey, status string, resolvedAt *time.Time) error {
	return s.withRetry(ctx, "update ticket status", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tickets
			 SET ticket_status = ?, resolved_at = ?, updated_at = ?
			 WHERE tracker_key = ?`,
			status, resolvedAt, time.Now().UTC(), trackerKey)
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

// PendingTickets returns all unresolved tickets, oldest first.
func (s *Store) PendingTickets(ctx context.Context) ([]Ticket, error) {
	var recs []Ticket
	err := s.withRetry(ctx, "query pending tickets", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM tickets
			 WHERE resolved_at IS NULL
			 ORDER BY created_at ASC`)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// InsertTicketRecord records a workflow lifecycle row. The record's ID is
// set on return.
func (s *Store) InsertTicketRecord(ctx context.Context, rec *TicketRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Lifecycle == "" {
		rec.Lifecycle = fleet.TicketCreated
	}

	return s.withRetry(ctx, "insert ticket record", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO ticket_records
				(tracker_key, tracker_id, vessel_id, component_type, issue_severity,
				 lifecycle_status, created_at, updated_at, alert_ids,
				 downtime_duration_seconds, historical_context, resolution_notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.TrackerKey, rec.TrackerID, rec.VesselID, rec.Role, rec.Severity,
			rec.Lifecycle, rec.CreatedAt, rec.UpdatedAt, rec.AlertIDs,
			rec.DowntimeSeconds, rec.Context, rec.ResolutionNotes)
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// TicketRecordByKey fetches one lifecycle record by tracker key.
func (s *Store) TicketRecordByKey(ctx context.Context, trackerKey string) (*TicketRecord, error) {
	var rec TicketRecord
	err := s.withRetry(ctx, "query ticket record", func() error {
		return s.db.GetContext(ctx, &rec,
			`SELECT * FROM ticket_records WHERE tracker_key = ?`, trackerKey)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// OpenTicketRecords returns the open lifecycle records for one
// (vessel, role) created after the cutoff, newest first. This is the
// duplicate-prevention query.
func (s *Store) OpenTicketRecords(ctx context.Context, vesselID string, role fleet.Role, createdAfter time.Time) ([]TicketRecord, error) {
	var recs []TicketRecord
	err := s.withRetry(ctx, "query open ticket records", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM ticket_records
			 WHERE vessel_id = ? AND component_type = ?
			   AND lifecycle_status IN ('created', 'linked_to_alert', 'in_progress', 'reopened')
			   AND created_at > ?
			 ORDER BY created_at DESC`,
			vesselID, role, createdAfter.UTC())
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// UpdateTicketLifecycle moves a lifecycle record to a new state, optionally
// attaching resolution notes.
func (s *Store) UpdateTicketLifecycle(ctx context.Context, trackerKey string, state fleet.TicketLifecycle, notes *string) error {
	return s.withRetry(ctx, "update ticket lifecycle", func() error {
		var (
			res sql.Result
			err error
		)
		if notes != nil {
			res, err = s.db.ExecContext(ctx,
				`UPDATE ticket_records
				 SET lifecycle_status = ?, updated_at = ?, resolution_notes = ?
				 WHERE tracker_key = ?`,
				state, time.Now().UTC(), *notes, trackerKey)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE ticket_records
				 SET lifecycle_status = ?, updated_at = ?
				 WHERE tracker_key = ?`,
				state, time.Now().UTC(), trackerKey)
		}
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

// LinkAlertToTicket attaches an alert to a lifecycle record: the link table
// gains a row (idempotently), the record's alert list grows, and its state
// moves to linked_to_alert.
func (s *Store) LinkAlertToTicket(ctx context.Context, trackerKey string, alertID int64) error {
	return s.withRetry(ctx, "link alert to ticket", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var rec TicketRecord
		if err := tx.GetContext(ctx, &rec,
			`SELECT * FROM ticket_records WHERE tracker_key = ?`, trackerKey); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if !rec.AlertIDs.Contains(alertID) {
			ids := append(rec.AlertIDs, alertID)
			if _, err := tx.ExecContext(ctx,
				`UPDATE ticket_records
				 SET alert_ids = ?, lifecycle_status = ?, updated_at = ?
				 WHERE id = ?`,
				ids, fleet.TicketLinkedToAlert, time.Now().UTC(), rec.ID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO alert_ticket_links (alert_id, ticket_id, linked_at)
			 VALUES (?, ?, ?)`,
			alertID, rec.ID, time.Now().UTC()); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// TicketRecordsByAlert returns the lifecycle records linked to an alert.
func (s *Store) TicketRecordsByAlert(ctx context.Context, alertID int64) ([]TicketRecord, error) {
	var recs []TicketRecord
	err := s.withRetry(ctx, "query ticket records by alert", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT tr.* FROM ticket_records tr
			 JOIN alert_ticket_links l ON l.ticket_id = tr.id
			 WHERE l.alert_id = ?
			 ORDER BY tr.created_at DESC`,
			alertID)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
