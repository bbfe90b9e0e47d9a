// Package runlog keeps the durable ledger of collection runs: one scheduler
// run row per execution and one vessel result row per query attempt, plus
// the read side the dashboard serves. It implements the collector's attempt
// sink.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/balakumargv-solx/infra-agent/collector"
	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/store"
)

const (
	defaultRecentLimit = 20
	defaultStatsDays   = 30
	defaultKeepDays    = 90
)

// Logger records and reads scheduler run history.
type Logger struct {
	store  *store.Store
	logger *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		l.logger = logger
	}
}

// New builds a run logger over the store.
func New(st *store.Store, opts ...Option) *Logger {
	l := &Logger{
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StartRun opens a new run in the running state and returns its id.
func (l *Logger) StartRun(ctx context.Context, totalVessels int) (string, error) {
	runID, err := l.store.CreateRun(ctx, time.Now().UTC(), totalVessels)
	if err != nil {
		return "", fmt.Errorf("open scheduler run: %w", err)
	}
	l.logger.Info("Opened scheduler run",
		"run_id", runID,
		"total_vessels", totalVessels)
	return runID, nil
}

// RecordAttempt persists one vessel query attempt. It satisfies the
// collector's Sink; a cancelled run still keeps every attempt that finished
// before the cancellation.
func (l *Logger) RecordAttempt(ctx context.Context, att collector.Attempt) error {
	ctx = context.WithoutCancel(ctx)

	var msg *string
	if att.Error != "" {
		msg = &att.Error
	}
	rec := store.VesselResultRecord{
		RunID:           att.RunID,
		VesselID:        att.VesselID,
		AttemptNumber:   att.Number,
		Success:         att.Success,
		QueryDurationMS: att.Duration.Milliseconds(),
		ErrorMessage:    msg,
		Timestamp:       att.Timestamp,
	}
	if err := l.store.InsertVesselResult(ctx, &rec); err != nil {
		return fmt.Errorf("record vessel attempt: %w", err)
	}

	l.logger.Debug("Recorded vessel query result",
		"run_id", att.RunID,
		"vessel_id", att.VesselID,
		"attempt", att.Number,
		"success", att.Success)
	return nil
}

// Outcome carries the tallies a run closes with. A run completes only when
// Err is nil and no vessel failed.
type Outcome struct {
	Successful    int
	Failed        int
	RetryAttempts int
	Err           error
}

// FinishRun closes a run with its outcome. The close is written even when
// ctx is already cancelled, so an aborted run still reaches a terminal
// state.
func (l *Logger) FinishRun(ctx context.Context, runID string, out Outcome) error {
	ctx = context.WithoutCancel(ctx)

	status := fleet.RunCompleted
	if out.Err != nil || out.Failed > 0 {
		status = fleet.RunFailed
	}
	var msg *string
	if out.Err != nil {
		m := out.Err.Error()
		msg = &m
	}

	err := l.store.FinishRun(ctx, runID, status, time.Now().UTC(), store.RunOutcome{
		Successful:    out.Successful,
		Failed:        out.Failed,
		RetryAttempts: out.RetryAttempts,
		ErrorMessage:  msg,
	})
	if err != nil {
		return fmt.Errorf("close scheduler run: %w", err)
	}

	l.logger.Info("Closed scheduler run",
		"run_id", runID,
		"status", status,
		"successful", out.Successful,
		"failed", out.Failed,
		"retry_attempts", out.RetryAttempts)
	return nil
}

// RecentRuns returns the newest runs first. A non-positive limit reads 20.
func (l *Logger) RecentRuns(ctx context.Context, limit int) ([]store.RunRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return l.store.ListRuns(ctx, limit)
}

// Details bundles a run with its per-vessel attempts. RetrySummary maps each
// vessel that appears in the run to how many retries it needed, zero for a
// first-attempt success.
type Details struct {
	Run           store.RunRecord            `json:"run_summary"`
	VesselResults []store.VesselResultRecord `json:"vessel_results"`
	RetrySummary  map[string]int             `json:"retry_summary"`
}

// RunDetails loads one run and its attempt ledger, or store.ErrNotFound.
func (l *Logger) RunDetails(ctx context.Context, runID string) (*Details, error) {
	rec, err := l.store.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := l.store.RunResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	retries := make(map[string]int)
	for _, r := range results {
		if _, ok := retries[r.VesselID]; !ok {
			retries[r.VesselID] = 0
		}
		if r.AttemptNumber > 1 && r.AttemptNumber-1 > retries[r.VesselID] {
			retries[r.VesselID] = r.AttemptNumber - 1
		}
	}

	return &Details{Run: *rec, VesselResults: results, RetrySummary: retries}, nil
}

// ActiveRun returns the newest run still marked running, or nil when the
// scheduler is idle.
func (l *Logger) ActiveRun(ctx context.Context) (*store.RunRecord, error) {
	runs, err := l.store.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	newest := runs[len(runs)-1]
	return &newest, nil
}

// VesselReliability tallies one vessel's query attempts over the statistics
// window.
type VesselReliability struct {
	SuccessRate        float64 `json:"success_rate"`
	TotalAttempts      int     `json:"total_attempts"`
	SuccessfulAttempts int     `json:"successful_attempts"`
}

// Statistics aggregates run history over a lookback window.
type Statistics struct {
	PeriodDays               int                          `json:"period_days"`
	TotalRuns                int                          `json:"total_runs"`
	SuccessfulRuns           int                          `json:"successful_runs"`
	FailedRuns               int                          `json:"failed_runs"`
	SuccessRatePercent       float64                      `json:"success_rate_percent"`
	AverageDurationMinutes   float64                      `json:"average_duration_minutes"`
	AverageSuccessfulVessels float64                      `json:"average_successful_vessels"`
	AverageFailedVessels     float64                      `json:"average_failed_vessels"`
	AverageRetryAttempts     float64                      `json:"average_retry_attempts"`
	VesselReliability        map[string]VesselReliability `json:"vessel_reliability"`
}

// Statistics summarizes the runs started within the last daysBack days.
// A non-positive daysBack reads 30.
func (l *Logger) Statistics(ctx context.Context, daysBack int) (*Statistics, error) {
	if daysBack <= 0 {
		daysBack = defaultStatsDays
	}
	since := time.Now().UTC().AddDate(0, 0, -daysBack)

	runStats, err := l.store.RunStatsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	vesselStats, err := l.store.VesselAttemptStatsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		PeriodDays:               daysBack,
		TotalRuns:                runStats.TotalRuns,
		SuccessfulRuns:           runStats.CompletedRuns,
		FailedRuns:               runStats.FailedRuns,
		AverageDurationMinutes:   round2(deref(runStats.AvgDurationSec) / 60),
		AverageSuccessfulVessels: round1(deref(runStats.AvgSuccessfulVessels)),
		AverageFailedVessels:     round1(deref(runStats.AvgFailedVessels)),
		AverageRetryAttempts:     round1(deref(runStats.AvgRetryAttempts)),
		VesselReliability:        make(map[string]VesselReliability, len(vesselStats)),
	}
	if runStats.TotalRuns > 0 {
		stats.SuccessRatePercent = round2(float64(runStats.CompletedRuns) / float64(runStats.TotalRuns) * 100)
	}

	for _, vs := range vesselStats {
		var rate float64
		if vs.TotalAttempts > 0 {
			rate = round2(float64(vs.SuccessfulAttempts) / float64(vs.TotalAttempts) * 100)
		}
		stats.VesselReliability[vs.VesselID] = VesselReliability{
			SuccessRate:        rate,
			TotalAttempts:      vs.TotalAttempts,
			SuccessfulAttempts: vs.SuccessfulAttempts,
		}
	}
	return stats, nil
}

// CleanupOldRuns removes runs older than daysToKeep together with their
// vessel results. A non-positive daysToKeep reads 90.
func (l *Logger) CleanupOldRuns(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = defaultKeepDays
	}
	return l.store.CleanupRuns(ctx, daysToKeep)
}

// FailStaleRuns closes every run left in the running state by an earlier
// process. Call it before the scheduler starts; a run this process opened
// would be swept as well.
func (l *Logger) FailStaleRuns(ctx context.Context) (int, error) {
	runs, err := l.store.ActiveRuns(ctx)
	if err != nil {
		return 0, err
	}

	msg := "interrupted by restart"
	closed := 0
	for _, run := range runs {
		out := store.RunOutcome{
			Successful:    run.SuccessfulVessels,
			Failed:        run.FailedVessels,
			RetryAttempts: run.RetryAttempts,
			ErrorMessage:  &msg,
		}
		if err := l.store.FinishRun(ctx, run.ID, fleet.RunFailed, time.Now().UTC(), out); err != nil {
			return closed, fmt.Errorf("fail stale run %s: %w", run.ID, err)
		}
		closed++
		l.logger.Warn("Closed stale scheduler run",
			"run_id", run.ID,
			"started_at", run.StartTime)
	}
	return closed, nil
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
