// Package monitor drives one monitoring cycle end to end: collect fleet
// metrics, persist component history, analyze SLA compliance, raise and
// maintain alerts, run the ticket workflow for persistent downtime, and
// close the scheduler run. The pipeline executes at most one cycle at a
// time; the scheduler and the manual trigger share the same entry point.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/balakumargv-solx/infra-agent/alerting"
	"github.com/balakumargv-solx/infra-agent/collector"
	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/runlog"
	"github.com/balakumargv-solx/infra-agent/sla"
	"github.com/balakumargv-solx/infra-agent/store"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

// ErrAlreadyRunning is returned by Run while another cycle is in flight.
var ErrAlreadyRunning = errors.New("monitor: cycle already running")

// System-state keys written at the end of a successful cycle.
const (
	StateKeyFleetSummary = "last_fleet_summary"
	StateKeyLastRun      = "last_monitoring_run"
)

// Step names, in execution order.
const (
	stepDataCollection     = "data_collection"
	stepSLAAnalysis        = "sla_analysis"
	stepAlertGeneration    = "alert_generation"
	stepPersistentDowntime = "persistent_downtime_monitoring"
	stepTicketCreation     = "ticket_creation"
	stepAlertMaintenance   = "alert_maintenance"
	stepCompletion         = "workflow_completion"
)

const totalSteps = 7

// TargetSource yields the vessels to sweep. It is consulted at the start of
// every cycle so configuration reloads apply between runs.
type TargetSource interface {
	CollectionTargets() []collector.Target
}

// Collector sweeps the fleet. Collect always returns a usable Result, even
// alongside an error.
type Collector interface {
	Collect(ctx context.Context, runID string, targets []collector.Target, windowHours int) (*collector.Result, error)
}

// Analyzer grades collected metrics against the SLA.
type Analyzer interface {
	AnalyzeFleet(ctx context.Context, metrics []fleet.VesselMetrics) []sla.Assessment
	Parameters() sla.Parameters
}

// Alerter maintains the alert ledger across a cycle.
type Alerter interface {
	ProcessAssessments(ctx context.Context, assessments []sla.Assessment) []alerting.Alert
	MonitorPersistentDowntime(ctx context.Context, assessments []sla.Assessment) []alerting.Alert
	MaintainAlerts(ctx context.Context, assessments []sla.Assessment) alerting.MaintenanceStats
}

// Ticketer runs the approval-gated ticket workflow for one incident.
type Ticketer interface {
	CreateWithApproval(ctx context.Context, summary ticketing.IssueSummary, alertID int64) (*ticketing.Outcome, error)
}

// RunLedger opens and closes scheduler runs.
type RunLedger interface {
	StartRun(ctx context.Context, totalVessels int) (string, error)
	FinishRun(ctx context.Context, runID string, out runlog.Outcome) error
}

// StatusStore persists per-component status history.
type StatusStore interface {
	InsertComponentStatus(ctx context.Context, rec *store.ComponentStatusRecord) error
}

// StateStore keeps recovery checkpoints between cycles.
type StateStore interface {
	SetStateJSON(ctx context.Context, key string, v any) error
	SetStateTime(ctx context.Context, key string, t time.Time) error
}

// Deps are the pipeline's collaborators. Tickets and States are optional;
// the rest are required.
type Deps struct {
	Targets   TargetSource
	Collector Collector
	Analyzer  Analyzer
	Alerts    Alerter
	Runs      RunLedger
	History   StatusStore
	Tickets   Ticketer
	States    StateStore
}

// Report is the outcome of one monitoring cycle.
type Report struct {
	RunID                    string                  `json:"run_id,omitempty"`
	StartTime                time.Time               `json:"start_time"`
	EndTime                  time.Time               `json:"end_time"`
	DurationSeconds          int64                   `json:"execution_duration_seconds"`
	Success                  bool                    `json:"success"`
	VesselsTotal             int                     `json:"vessels_total"`
	VesselsProcessed         int                     `json:"vessels_processed"`
	VesselsFailed            int                     `json:"vessels_failed"`
	RetryAttempts            int                     `json:"retry_attempts"`
	SLAViolations            int                     `json:"sla_violations"`
	PersistentDowntimeAlerts int                     `json:"persistent_downtime_alerts"`
	AlertsRaised             int                     `json:"alerts_raised"`
	AlertsResolved           int                     `json:"alerts_resolved"`
	TicketsCreated           int                     `json:"tickets_created"`
	FleetSummary             *collector.FleetSummary `json:"fleet_summary,omitempty"`
	Errors                   []string                `json:"errors,omitempty"`
}

// Step is one stage of a cycle as tracked for the status view.
type Step struct {
	Name            string     `json:"name"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Success         bool       `json:"success"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running        bool   `json:"running"`
	RunID          string `json:"run_id,omitempty"`
	StepsCompleted int    `json:"steps_completed"`
	TotalSteps     int    `json:"total_steps"`
	CurrentStep    string `json:"current_step,omitempty"`
	Steps          []Step `json:"steps"`
}

// Observer receives each finished cycle's report.
type Observer interface {
	ObserveRun(report *Report)
}

// Pipeline owns the cycle sequence and its step bookkeeping.
type Pipeline struct {
	deps     Deps
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	running bool
	runID   string
	steps   []Step
	last    *Report
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithObserver registers a cycle observer.
func WithObserver(obs Observer) Option {
	return func(p *Pipeline) {
		p.observer = obs
	}
}

// New creates the pipeline.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Targets == nil {
		return nil, errors.New("monitor: target source is required")
	}
	if deps.Collector == nil {
		return nil, errors.New("monitor: collector is required")
	}
	if deps.Analyzer == nil {
		return nil, errors.New("monitor: analyzer is required")
	}
	if deps.Alerts == nil {
		return nil, errors.New("monitor: alert manager is required")
	}
	if deps.Runs == nil {
		return nil, errors.New("monitor: run ledger is required")
	}
	if deps.History == nil {
		return nil, errors.New("monitor: status history store is required")
	}

	p := &Pipeline{
		deps:   deps,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run executes one monitoring cycle. The report is always non-nil unless
// another cycle is already in flight; the error carries the run-level
// failure (no data collected, cancellation) while per-vessel and per-step
// problems land in the report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	if !p.begin() {
		return nil, ErrAlreadyRunning
	}

	start := time.Now().UTC()
	targets := p.deps.Targets.CollectionTargets()
	params := p.deps.Analyzer.Parameters()
	windowHours := int(params.Window.Hours())

	report := &Report{
		StartTime:    start,
		VesselsTotal: len(targets),
	}
	defer p.finishCycle(report)

	p.logger.Info("Starting monitoring workflow",
		"vessels", len(targets),
		"window_hours", windowHours)

	runID, err := p.deps.Runs.StartRun(ctx, len(targets))
	if err != nil {
		// The sweep still runs; only the ledger entry is lost.
		p.logger.Error("Failed to open scheduler run", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("open scheduler run: %v", err))
	}
	report.RunID = runID
	p.setRunID(runID)

	p.beginStep(stepDataCollection)
	res, collectErr := p.deps.Collector.Collect(ctx, runID, targets, windowHours)
	report.VesselsProcessed = len(res.Metrics)
	report.VesselsFailed = len(targets) - len(res.Metrics)
	report.RetryAttempts = res.RetryAttempts

	metrics := sortedMetrics(res.Metrics)
	if collectErr == nil {
		p.persistHistory(ctx, metrics, report)
	}
	p.endStep(collectErr)

	if collectErr != nil {
		report.Errors = append(report.Errors, collectErr.Error())
	} else {
		var assessments []sla.Assessment

		p.beginStep(stepSLAAnalysis)
		assessments = p.deps.Analyzer.AnalyzeFleet(ctx, metrics)
		for _, as := range assessments {
			if !as.Compliant {
				report.SLAViolations++
			}
		}
		p.endStep(nil)

		p.beginStep(stepAlertGeneration)
		raised := p.deps.Alerts.ProcessAssessments(ctx, assessments)
		report.AlertsRaised = len(raised)
		p.endStep(nil)

		p.beginStep(stepPersistentDowntime)
		persistent := p.deps.Alerts.MonitorPersistentDowntime(ctx, assessments)
		report.PersistentDowntimeAlerts = len(persistent)
		p.endStep(nil)

		p.beginStep(stepTicketCreation)
		p.createTickets(ctx, persistent, report)
		p.endStep(ctx.Err())

		// Approval waits can outlive the run deadline; resolution is
		// pointless against a dead context.
		if ctx.Err() == nil {
			p.beginStep(stepAlertMaintenance)
			stats := p.deps.Alerts.MaintainAlerts(ctx, assessments)
			report.AlertsResolved = stats.Resolved
			p.endStep(nil)
		}
	}

	p.beginStep(stepCompletion)
	if collectErr == nil {
		p.persistSummary(ctx, res, params.UptimeThreshold, report)
	}
	p.closeRun(ctx, report, collectErr)
	end := time.Now().UTC()
	report.EndTime = end
	report.DurationSeconds = int64(end.Sub(start).Seconds())
	report.Success = collectErr == nil && len(report.Errors) == 0
	p.endStep(nil)

	if report.Success {
		p.logger.Info("Monitoring workflow completed",
			"run_id", report.RunID,
			"vessels_processed", report.VesselsProcessed,
			"vessels_failed", report.VesselsFailed,
			"sla_violations", report.SLAViolations,
			"persistent_downtime_alerts", report.PersistentDowntimeAlerts,
			"tickets_created", report.TicketsCreated,
			"duration_seconds", report.DurationSeconds)
	} else {
		p.logger.Error("Monitoring workflow finished with errors",
			"run_id", report.RunID,
			"vessels_processed", report.VesselsProcessed,
			"vessels_failed", report.VesselsFailed,
			"errors", len(report.Errors))
	}

	if p.observer != nil {
		p.observer.ObserveRun(report)
	}

	if collectErr != nil {
		return report, fmt.Errorf("data collection: %w", collectErr)
	}
	return report, nil
}

// Status reports the current cycle's progress, or the finished step list of
// the previous cycle when idle.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Running:    p.running,
		RunID:      p.runID,
		TotalSteps: totalSteps,
		Steps:      make([]Step, len(p.steps)),
	}
	copy(st.Steps, p.steps)
	for _, s := range st.Steps {
		if s.EndTime != nil {
			st.StepsCompleted++
		} else if st.CurrentStep == "" {
			st.CurrentStep = s.Name
		}
	}
	return st
}

// Running reports whether a cycle is in flight.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastReport returns the most recently finished cycle's report, nil before
// the first cycle completes.
func (p *Pipeline) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

// persistHistory writes one status row per collected component. These land
// before any violation or alert derived from them.
func (p *Pipeline) persistHistory(ctx context.Context, metrics []fleet.VesselMetrics, report *Report) {
	failed := 0
	for _, m := range metrics {
		recs := store.ComponentStatusFromMetrics(m)
		for i := range recs {
			if err := p.deps.History.InsertComponentStatus(ctx, &recs[i]); err != nil {
				failed++
				p.logger.Error("Failed to record component status",
					"vessel_id", m.VesselID,
					"component", recs[i].Role,
					"error", err)
			}
		}
	}
	if failed > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("component status persistence: %d inserts failed", failed))
	}
}

// createTickets walks the persistent-downtime alerts through the approval
// workflow. One alert's failure never blocks the next.
func (p *Pipeline) createTickets(ctx context.Context, persistent []alerting.Alert, report *Report) {
	if p.deps.Tickets == nil {
		if len(persistent) > 0 {
			p.logger.Info("Tracker not configured, skipping ticket workflow",
				"alerts", len(persistent))
		}
		return
	}

	for _, alert := range persistent {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("ticket workflow interrupted: %v", ctx.Err()))
			return
		}

		summary, err := ticketing.NewIssueSummary(alert.VesselID, alert.Role, alert.DowntimeAging, alert.Context)
		if err != nil {
			p.logger.Error("Failed to build issue summary",
				"vessel_id", alert.VesselID,
				"component", alert.Role,
				"error", err)
			continue
		}

		out, err := p.deps.Tickets.CreateWithApproval(ctx, summary, alert.ID)
		if err != nil {
			p.logger.Error("Ticket workflow failed",
				"vessel_id", alert.VesselID,
				"component", alert.Role,
				"error", err)
			continue
		}

		switch out.Status {
		case ticketing.OutcomeCreated:
			report.TicketsCreated++
			p.logger.Info("Ticket created for persistent downtime",
				"ticket_key", out.TicketKey,
				"vessel_id", alert.VesselID,
				"component", alert.Role)
		case ticketing.OutcomeExisting, ticketing.OutcomeDuplicate:
			p.logger.Info("Ticket suppressed by existing coverage",
				"status", out.Status,
				"ticket_key", out.TicketKey,
				"vessel_id", alert.VesselID,
				"component", alert.Role)
		case ticketing.OutcomeRejected:
			p.logger.Info("Ticket creation rejected by approver",
				"request_id", out.RequestID,
				"vessel_id", alert.VesselID,
				"component", alert.Role)
		case ticketing.OutcomeTimedOut:
			p.logger.Warn("Ticket approval timed out",
				"request_id", out.RequestID,
				"vessel_id", alert.VesselID,
				"component", alert.Role)
		case ticketing.OutcomeTrackerFailed:
			p.logger.Error("Tracker call failed after approval",
				"request_id", out.RequestID,
				"reason", out.Reason,
				"vessel_id", alert.VesselID,
				"component", alert.Role)
		}
	}
}

// persistSummary checkpoints the fleet summary and the run time. The summary
// describes data already collected, so the write survives cancellation.
func (p *Pipeline) persistSummary(ctx context.Context, res *collector.Result, threshold float64, report *Report) {
	summary := collector.Summarize(res.Metrics, threshold)
	report.FleetSummary = &summary

	if p.deps.States == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.deps.States.SetStateJSON(ctx, StateKeyFleetSummary, summary); err != nil {
		p.logger.Warn("Failed to persist fleet summary", "error", err)
	}
	if err := p.deps.States.SetStateTime(ctx, StateKeyLastRun, report.StartTime); err != nil {
		p.logger.Warn("Failed to persist last run time", "error", err)
	}
}

func (p *Pipeline) closeRun(ctx context.Context, report *Report, runErr error) {
	if report.RunID == "" {
		return
	}

	out := runlog.Outcome{
		Successful:    report.VesselsProcessed,
		Failed:        report.VesselsFailed,
		RetryAttempts: report.RetryAttempts,
		Err:           runErr,
	}
	if err := p.deps.Runs.FinishRun(ctx, report.RunID, out); err != nil {
		p.logger.Error("Failed to close scheduler run",
			"run_id", report.RunID,
			"error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("close scheduler run: %v", err))
	}
}

func (p *Pipeline) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return false
	}
	p.running = true
	p.runID = ""
	p.steps = p.steps[:0]
	return true
}

func (p *Pipeline) finishCycle(report *Report) {
	p.mu.Lock()
	p.running = false
	p.last = report
	p.mu.Unlock()
}

func (p *Pipeline) setRunID(id string) {
	p.mu.Lock()
	p.runID = id
	p.mu.Unlock()
}

func (p *Pipeline) beginStep(name string) {
	p.mu.Lock()
	p.steps = append(p.steps, Step{Name: name, StartTime: time.Now().UTC()})
	p.mu.Unlock()

	p.logger.Debug("Workflow step started", "step", name)
}

func (p *Pipeline) endStep(err error) {
	now := time.Now().UTC()

	p.mu.Lock()
	step := &p.steps[len(p.steps)-1]
	step.EndTime = &now
	secs := int64(now.Sub(step.StartTime).Seconds())
	step.DurationSeconds = &secs
	step.Success = err == nil
	if err != nil {
		step.Error = err.Error()
	}
	name := step.Name
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Workflow step failed", "step", name, "error", err)
	} else {
		p.logger.Debug("Workflow step completed", "step", name)
	}
}

func sortedMetrics(m map[string]fleet.VesselMetrics) []fleet.VesselMetrics {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]fleet.VesselMetrics, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
