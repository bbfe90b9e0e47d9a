package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"

	"github.com/google/uuid"
)

// CreateRun opens a new scheduler run row in the running state and returns
// its generated ID.
func (s *Store) CreateRun(ctx context.Context, start time.Time, totalVessels int) (string, error) {
	id := uuid.NewString()
	err := s.withRetry(ctx, "create scheduler run", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO scheduler_runs
				(id, start_time, total_vessels, successful_vessels, failed_vessels,
				 retry_attempts, status, created_at)
			 VALUES (?, ?, ?, 0, 0, 0, ?, ?)`,
			id, start.UTC(), totalVessels, fleet.RunRunning, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RunOutcome carries the final tallies for a finished scheduler run.
type RunOutcome struct {
	Successful    int
	Failed        int
	RetryAttempts int
	ErrorMessage  *string
}

// FinishRun closes a running scheduler run with its outcome. The run's
// duration is derived from its recorded start time.
func (s *Store) FinishRun(ctx context.Context, runID string, status fleet.RunStatus, end time.Time, out RunOutcome) error {
	return s.withRetry(ctx, "finish scheduler run", func() error {
		var start time.Time
		err := s.db.GetContext(ctx, &start,
			`SELECT start_time FROM scheduler_runs WHERE id = ?`, runID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		duration := int64(end.Sub(start).Seconds())
		if duration < 0 {
			duration = 0
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduler_runs
			 SET end_time = ?, successful_vessels = ?, failed_vessels = ?,
			     retry_attempts = ?, status = ?, duration_seconds = ?, error_message = ?
			 WHERE id = ?`,
			end.UTC(), out.Successful, out.Failed,
			out.RetryAttempts, status, duration, out.ErrorMessage, runID)
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

// Run fetches one scheduler run by ID, or ErrNotFound.
func (s *Store) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := s.withRetry(ctx, "query scheduler run", func() error {
		return s.db.GetContext(ctx, &rec,
			`SELECT * FROM scheduler_runs WHERE id = ?`, runID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns the most recent scheduler runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []RunRecord
	err := s.withRetry(ctx, "list scheduler runs", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM scheduler_runs ORDER BY start_time DESC LIMIT ?`, limit)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ActiveRuns returns runs still marked running, oldest first. After a crash
// these are stale and should be failed by the caller.
func (s *Store) ActiveRuns(ctx context.Context) ([]RunRecord, error) {
	var recs []RunRecord
	err := s.withRetry(ctx, "query active scheduler runs", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM scheduler_runs WHERE status = ? ORDER BY start_time ASC`,
			fleet.RunRunning)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// InsertVesselResult records one per-vessel query attempt for a run. The
// record's ID is set on return.
func (s *Store) InsertVesselResult(ctx context.Context, rec *VesselResultRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return s.withRetry(ctx, "insert vessel result", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO scheduler_vessel_results
				(run_id, vessel_id, attempt_number, success, query_duration_ms,
				 error_message, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.VesselID, rec.AttemptNumber, rec.Success,
			rec.QueryDurationMS, rec.ErrorMessage, rec.Timestamp)
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
}

// RunResults returns every per-vessel attempt for a run, grouped by vessel
// in attempt order.
func (s *Store) RunResults(ctx context.Context, runID string) ([]VesselResultRecord, error) {
	var recs []VesselResultRecord
	err := s.withRetry(ctx, "query run results", func() error {
		recs = recs[:0]
		return s.db.SelectContext(ctx, &recs,
			`SELECT * FROM scheduler_vessel_results
			 WHERE run_id = ?
			 ORDER BY vessel_id ASC, attempt_number ASC`, runID)
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// RunStats aggregates run history over a window.
type RunStats struct {
	TotalRuns            int      `db:"total_runs"`
	CompletedRuns        int      `db:"completed_runs"`
	FailedRuns           int      `db:"failed_runs"`
	AvgDurationSec       *float64 `db:"avg_duration_seconds"`
	AvgSuccessfulVessels *float64 `db:"avg_successful_vessels"`
	AvgFailedVessels     *float64 `db:"avg_failed_vessels"`
	AvgRetryAttempts     *float64 `db:"avg_retry_attempts"`
}

// RunStatsSince summarizes scheduler runs started after the cutoff.
func (s *Store) RunStatsSince(ctx context.Context, since time.Time) (*RunStats, error) {
	var stats RunStats
	err := s.withRetry(ctx, "query run stats", func() error {
		return s.db.GetContext(ctx, &stats,
			`SELECT
				COUNT(*) AS total_runs,
				COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed_runs,
				COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_runs,
				AVG(duration_seconds) AS avg_duration_seconds,
				AVG(successful_vessels) AS avg_successful_vessels,
				AVG(failed_vessels) AS avg_failed_vessels,
				AVG(retry_attempts) AS avg_retry_attempts
			 FROM scheduler_runs
			 WHERE start_time > ?`, since.UTC())
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// VesselAttemptStats tallies every query attempt against one vessel across
// the runs of a window.
type VesselAttemptStats struct {
	VesselID           string `db:"vessel_id"`
	TotalAttempts      int    `db:"total_attempts"`
	SuccessfulAttempts int    `db:"successful_attempts"`
}

// VesselAttemptStatsSince groups per-vessel attempt tallies over runs
// started after the cutoff, ordered by vessel id.
func (s *Store) VesselAttemptStatsSince(ctx context.Context, since time.Time) ([]VesselAttemptStats, error) {
	var stats []VesselAttemptStats
	err := s.withRetry(ctx, "query vessel attempt stats", func() error {
		stats = stats[:0]
		return s.db.SelectContext(ctx, &stats,
			`SELECT
				svr.vessel_id AS vessel_id,
				COUNT(*) AS total_attempts,
				COALESCE(SUM(CASE WHEN svr.success = 1 THEN 1 ELSE 0 END), 0) AS successful_attempts
			 FROM scheduler_vessel_results svr
			 JOIN scheduler_runs sr ON svr.run_id = sr.id
			 WHERE sr.start_time > ?
			 GROUP BY svr.vessel_id
			 ORDER BY svr.vessel_id ASC`, since.UTC())
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CleanupRuns deletes scheduler runs older than daysToKeep together with
// their per-vessel results, returning the number of runs removed.
func (s *Store) CleanupRuns(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	var runs, results int64

	err := s.withRetry(ctx, "cleanup old runs", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM scheduler_vessel_results
			 WHERE run_id IN (SELECT id FROM scheduler_runs WHERE start_time < ?)`,
			cutoff)
		if err != nil {
			return err
		}
		if results, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx,
			`DELETE FROM scheduler_runs WHERE start_time < ?`, cutoff)
		if err != nil {
			return err
		}
		if runs, err = res.RowsAffected(); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Cleaned up old scheduler runs",
		"days_to_keep", daysToKeep,
		"runs_deleted", runs,
		"results_deleted", results)
	return runs, nil
}
