package store

import (
	"context"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// InsertComponentStatus appends one derived component observation. The
// record's ID is set on return.
func (s *Store) InsertComponentStatus(ctx context.Context, rec *ComponentStatusRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	return s.withRetry(ctx, "insert component status", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO component_status_history
				(vessel_id, component_type, uptime_percentage, current_status,
				 downtime_aging_seconds, last_ping_time, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.VesselID, rec.Role, rec.UptimePercentage, rec.CurrentStatus,
			rec.DowntimeAgingSeconds, rec.LastPingTime, rec.RecordedAt)
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// ComponentStatusFromMetrics flattens a vessel snapshot into history rows.
func ComponentStatusFromMetrics(m fleet.VesselMetrics) []ComponentStatusRecord {
	recs := make([]ComponentStatusRecord, 0, len(m.Components))

	for _, role := range fleet.AllRoles() {
		cs, ok := m.Components[role]
		if !ok {
			continue
		}

		rec := ComponentStatusRecord{
			VesselID:             m.VesselID,
			Role:                 role,
			UptimePercentage:     cs.UptimePercentage,
			CurrentStatus:        cs.CurrentStatus,
			DowntimeAgingSeconds: int64(cs.DowntimeAging.Seconds()),
			RecordedAt:           m.Timestamp.UTC(),
		}

		if last := latestPing(cs); !last.IsZero() {
			t := last.UTC()
			rec.LastPingTime = &t
		}

		recs = append(recs, rec)
	}

	return recs
}

func latestPing(cs fleet.ComponentStatus) time.Time {
	var latest time.Time
	for _, d := range cs.Devices {
		if d.LastPingTime.After(latest) {
			latest = d.LastPingTime
		}
	}
	return latest
}

// StatusHistory returns a vessel's component observations since the given
// time, newest first. A zero role matches all roles.
func (s *Store) StatusHistory(ctx context.Context, vesselID string, role fleet.Role, since time.Time) ([]ComponentStatusRecord, error) {
	query := `SELECT * FROM component_status_history
		WHERE vessel_id = ? AND recorded_at >= ?`
	args := []any{vesselID, since.UTC()}

	if role != "" {
		query += ` AND component_type = ?`
		args = append(args, role)
	}
	query += ` ORDER BY recorded_at DESC`

	var recs []ComponentStatusRecord
	err := s.withRetry(ctx, "query status history", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// LatestStatuses returns the newest observation per role for one vessel.
func (s *Store) LatestStatuses(ctx context.Context, vesselID string) ([]ComponentStatusRecord, error) {
	var recs []ComponentStatusRecord
	err := s.withRetry(ctx, "query latest statuses", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM component_status_history
			 WHERE id IN (
				SELECT MAX(id) FROM component_status_history
				WHERE vessel_id = ? GROUP BY component_type
			 )
			 ORDER BY component_type`,
			vesselID)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
