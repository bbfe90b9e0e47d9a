package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/balakumargv-solx/infra-agent/alerting"
	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/monitor"
	"github.com/balakumargv-solx/infra-agent/scheduler"
	"github.com/balakumargv-solx/infra-agent/sla"
	"github.com/balakumargv-solx/infra-agent/store"
)

// vesselStatus grades a vessel by how many of its components sit in
// violation.
type vesselStatus string

const (
	vesselOperational vesselStatus = "operational"
	vesselDegraded    vesselStatus = "degraded"
	vesselCritical    vesselStatus = "critical"
	vesselOffline     vesselStatus = "offline"
)

// statusForViolations maps a vessel's violation count to its status level.
// A vessel with no recorded components is offline.
func statusForViolations(components, violations int) vesselStatus {
	switch {
	case components == 0:
		return vesselOffline
	case violations == 0:
		return vesselOperational
	case violations == 1:
		return vesselDegraded
	default:
		return vesselCritical
	}
}

// statusPriority orders vessels worst-first on the overview.
var statusPriority = map[vesselStatus]int{
	vesselCritical:    0,
	vesselDegraded:    1,
	vesselOffline:     2,
	vesselOperational: 3,
}

type fleetTotals struct {
	TotalVessels         int     `json:"total_vessels"`
	VesselsOnline        int     `json:"vessels_online"`
	VesselsOffline       int     `json:"vessels_offline"`
	VesselsDegraded      int     `json:"vessels_degraded"`
	VesselsCritical      int     `json:"vessels_critical"`
	FleetComplianceRate  float64 `json:"fleet_compliance_rate"`
	AverageUptime        float64 `json:"average_uptime"`
	TotalViolations      int     `json:"total_violations"`
	PersistentViolations int     `json:"persistent_violations"`
}

type vesselSummary struct {
	VesselID             string       `json:"vessel_id"`
	Status               vesselStatus `json:"status"`
	ComplianceRate       float64      `json:"compliance_rate"`
	ViolationsCount      int          `json:"violations_count"`
	ComponentsUp         int          `json:"components_up"`
	ComponentsTotal      int          `json:"components_total"`
	WorstComponentUptime float64      `json:"worst_component_uptime"`
	LastUpdated          *time.Time   `json:"last_updated,omitempty"`
}

type vesselRollup struct {
	summary    vesselSummary
	compliant  int
	persistent int
	avgUptime  float64
	hasData    bool
}

// rollupVessel condenses a vessel's latest component rows into its overview
// line. Compliance is graded against the live threshold, so a parameter
// change shows without waiting for the next cycle.
func rollupVessel(id string, recs []store.ComponentStatusRecord, params sla.Parameters) vesselRollup {
	ru := vesselRollup{summary: vesselSummary{VesselID: id, ComponentsTotal: len(recs)}}
	if len(recs) == 0 {
		ru.summary.Status = vesselOffline
		return ru
	}

	worst := 100.0
	var uptimeSum float64
	var latest time.Time
	violations := 0
	for _, rec := range recs {
		uptimeSum += rec.UptimePercentage
		if rec.UptimePercentage < worst {
			worst = rec.UptimePercentage
		}
		if rec.CurrentStatus == fleet.StatusUp {
			ru.summary.ComponentsUp++
		}
		if rec.UptimePercentage >= params.UptimeThreshold {
			ru.compliant++
		} else {
			violations++
			if time.Duration(rec.DowntimeAgingSeconds)*time.Second >= params.DowntimeAlert {
				ru.persistent++
			}
		}
		if rec.RecordedAt.After(latest) {
			latest = rec.RecordedAt
		}
	}

	ru.hasData = true
	ru.avgUptime = uptimeSum / float64(len(recs))
	ru.summary.ViolationsCount = violations
	ru.summary.ComplianceRate = round2(float64(ru.compliant) / float64(len(recs)) * 100)
	ru.summary.WorstComponentUptime = worst
	ru.summary.Status = statusForViolations(len(recs), violations)
	ru.summary.LastUpdated = &latest
	return ru
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"service":            "infra-agent",
		"vessels_configured": len(s.deps.Fleet.VesselIDs()),
		"sla_threshold":      s.deps.Params.Parameters().UptimeThreshold,
	})
}

func (s *Server) handleFleetOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := s.deps.Params.Parameters()
	ids := s.deps.Fleet.VesselIDs()

	totals := fleetTotals{TotalVessels: len(ids)}
	vessels := make([]vesselSummary, 0, len(ids))
	var uptimeSum float64
	var uptimeCount, compliant, components int

	for _, id := range ids {
		recs, err := s.deps.Store.LatestStatuses(ctx, id)
		if err != nil {
			s.logger.Error("Failed to load component statuses", "vessel_id", id, "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to load fleet state")
			return
		}
		ru := rollupVessel(id, recs, params)
		vessels = append(vessels, ru.summary)

		switch ru.summary.Status {
		case vesselOperational:
			totals.VesselsOnline++
		case vesselDegraded:
			totals.VesselsDegraded++
		case vesselCritical:
			totals.VesselsCritical++
		case vesselOffline:
			totals.VesselsOffline++
		}
		totals.TotalViolations += ru.summary.ViolationsCount
		totals.PersistentViolations += ru.persistent
		compliant += ru.compliant
		components += ru.summary.ComponentsTotal
		if ru.hasData {
			uptimeSum += ru.avgUptime
			uptimeCount++
		}
	}
	if uptimeCount > 0 {
		totals.AverageUptime = round2(uptimeSum / float64(uptimeCount))
	}
	if components > 0 {
		totals.FleetComplianceRate = round2(float64(compliant) / float64(components) * 100)
	}

	sort.Slice(vessels, func(i, j int) bool {
		pi, pj := statusPriority[vessels[i].Status], statusPriority[vessels[j].Status]
		if pi != pj {
			return pi < pj
		}
		return vessels[i].VesselID < vessels[j].VesselID
	})

	s.respondJSON(w, http.StatusOK, map[string]any{
		"fleet_summary": totals,
		"vessels":       vessels,
		"timestamp":     s.lastRunCheckpoint(r),
	})
}

// lastRunCheckpoint reads the completion time of the newest monitoring
// cycle, nil before the first one finishes.
func (s *Server) lastRunCheckpoint(r *http.Request) *time.Time {
	t, err := s.deps.Store.GetStateTime(r.Context(), monitor.StateKeyLastRun)
	if err != nil {
		return nil
	}
	return &t
}

type durationDetail struct {
	Hours     float64 `json:"hours"`
	Formatted string  `json:"formatted"`
}

type slaStatusDetail struct {
	Compliant              bool    `json:"is_compliant"`
	ViolationDurationHours float64 `json:"violation_duration_hours"`
}

type componentDetail struct {
	Role             fleet.Role       `json:"type"`
	UptimePercentage float64          `json:"uptime_percentage"`
	CurrentStatus    fleet.Status     `json:"current_status"`
	DowntimeAging    durationDetail   `json:"downtime_aging"`
	SLAStatus        slaStatusDetail  `json:"sla_status"`
	LastPing         *time.Time       `json:"last_ping,omitempty"`
	AlertSeverity    fleet.AlertLevel `json:"alert_severity"`
}

type violationSummary struct {
	Role                   fleet.Role `json:"component_type"`
	UptimePercentage       float64    `json:"uptime_percentage"`
	DowntimeAgingHours     float64    `json:"downtime_aging_hours"`
	ViolationDurationHours float64    `json:"violation_duration_hours"`
	RequiresTicket         bool       `json:"requires_ticket"`
}

type vesselDetailResponse struct {
	VesselID          string             `json:"vessel_id"`
	Timestamp         *time.Time         `json:"timestamp,omitempty"`
	Components        []componentDetail  `json:"components"`
	OverallStatus     vesselStatus       `json:"overall_status"`
	SLAComplianceRate float64            `json:"sla_compliance_rate"`
	Violations        []violationSummary `json:"violations"`
}

func (s *Server) handleVesselDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vesselID := chi.URLParam(r, "vesselID")
	if !s.knownVessel(vesselID) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown vessel: %s", vesselID))
		return
	}

	recs, err := s.deps.Store.LatestStatuses(ctx, vesselID)
	if err != nil {
		s.logger.Error("Failed to load component statuses", "vessel_id", vesselID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load vessel state")
		return
	}

	params := s.deps.Params.Parameters()
	components := make([]componentDetail, 0, len(recs))
	violations := make([]violationSummary, 0)
	var latest time.Time
	compliantCount := 0

	for _, rec := range recs {
		downtime := time.Duration(rec.DowntimeAgingSeconds) * time.Second
		compliant := rec.UptimePercentage >= params.UptimeThreshold

		var violationHours float64
		if !compliant {
			open, err := s.deps.Store.OpenViolationFor(ctx, vesselID, rec.Role)
			switch {
			case err == nil:
				violationHours = round2(time.Since(open.ViolationStart).Hours())
			case !errors.Is(err, store.ErrNotFound):
				s.logger.Warn("Failed to load open violation",
					"vessel_id", vesselID, "component", rec.Role, "error", err)
			}
		} else {
			compliantCount++
		}

		components = append(components, componentDetail{
			Role:             rec.Role,
			UptimePercentage: rec.UptimePercentage,
			CurrentStatus:    rec.CurrentStatus,
			DowntimeAging: durationDetail{
				Hours:     round2(downtime.Hours()),
				Formatted: formatDuration(downtime),
			},
			SLAStatus: slaStatusDetail{
				Compliant:              compliant,
				ViolationDurationHours: violationHours,
			},
			LastPing:      rec.LastPingTime,
			AlertSeverity: alerting.LevelFor(compliant, downtime, rec.UptimePercentage),
		})
		if !compliant {
			violations = append(violations, violationSummary{
				Role:                   rec.Role,
				UptimePercentage:       rec.UptimePercentage,
				DowntimeAgingHours:     round2(downtime.Hours()),
				ViolationDurationHours: violationHours,
				RequiresTicket:         downtime >= params.DowntimeAlert,
			})
		}
		if rec.RecordedAt.After(latest) {
			latest = rec.RecordedAt
		}
	}

	resp := vesselDetailResponse{
		VesselID:      vesselID,
		Components:    components,
		OverallStatus: statusForViolations(len(recs), len(violations)),
		Violations:    violations,
	}
	if len(recs) > 0 {
		resp.SLAComplianceRate = round2(float64(compliantCount) / float64(len(recs)) * 100)
		resp.Timestamp = &latest
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) knownVessel(id string) bool {
	for _, v := range s.deps.Fleet.VesselIDs() {
		if v == id {
			return true
		}
	}
	return false
}

type openViolationView struct {
	VesselID               string           `json:"vessel_id"`
	Role                   fleet.Role       `json:"component_type"`
	ViolationStart         time.Time        `json:"violation_start"`
	UptimePercentage       float64          `json:"uptime_percentage"`
	CurrentStatus          fleet.Status     `json:"current_status"`
	DowntimeAgingHours     float64          `json:"downtime_aging_hours"`
	ViolationDurationHours float64          `json:"violation_duration_hours"`
	RequiresTicket         bool             `json:"requires_ticket"`
	AlertSeverity          fleet.AlertLevel `json:"alert_severity"`
	LastPing               *time.Time       `json:"last_ping,omitempty"`
}

type violationFilter struct {
	PersistentOnly bool   `json:"persistent_only"`
	VesselID       string `json:"vessel_id,omitempty"`
	ComponentType  string `json:"component_type,omitempty"`
}

func (s *Server) handleSLAViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	persistentOnly, _ := strconv.ParseBool(q.Get("persistent_only"))
	vesselFilter := q.Get("vessel_id")
	var roleFilter fleet.Role
	if raw := q.Get("component_type"); raw != "" {
		role, err := fleet.ParseRole(strings.ToLower(raw))
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid component type: %s", raw))
			return
		}
		roleFilter = role
	}

	rows, err := s.deps.Store.OpenViolations(ctx)
	if err != nil {
		s.logger.Error("Failed to load open violations", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load violations")
		return
	}

	params := s.deps.Params.Parameters()
	now := time.Now().UTC()
	statusCache := make(map[string][]store.ComponentStatusRecord)
	views := make([]openViolationView, 0, len(rows))
	persistentCount := 0

	for _, row := range rows {
		if vesselFilter != "" && row.VesselID != vesselFilter {
			continue
		}
		if roleFilter != "" && row.Role != roleFilter {
			continue
		}

		uptime := row.UptimePercentage
		currentStatus := fleet.StatusUnknown
		var downtime time.Duration
		var lastPing *time.Time
		if rec, ok := s.latestFor(r, statusCache, row.VesselID, row.Role); ok {
			uptime = rec.UptimePercentage
			currentStatus = rec.CurrentStatus
			downtime = time.Duration(rec.DowntimeAgingSeconds) * time.Second
			lastPing = rec.LastPingTime
		}

		requiresTicket := downtime >= params.DowntimeAlert
		if persistentOnly && !requiresTicket {
			continue
		}
		if requiresTicket {
			persistentCount++
		}

		views = append(views, openViolationView{
			VesselID:               row.VesselID,
			Role:                   row.Role,
			ViolationStart:         row.ViolationStart,
			UptimePercentage:       uptime,
			CurrentStatus:          currentStatus,
			DowntimeAgingHours:     round2(downtime.Hours()),
			ViolationDurationHours: round2(now.Sub(row.ViolationStart).Hours()),
			RequiresTicket:         requiresTicket,
			AlertSeverity:          alerting.LevelFor(false, downtime, uptime),
			LastPing:               lastPing,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"violations":       views,
		"total_count":      len(views),
		"persistent_count": persistentCount,
		"filter": violationFilter{
			PersistentOnly: persistentOnly,
			VesselID:       vesselFilter,
			ComponentType:  string(roleFilter),
		},
	})
}

// latestFor finds the newest status row for one (vessel, role), loading and
// caching the vessel's rows on first touch.
func (s *Server) latestFor(r *http.Request, cache map[string][]store.ComponentStatusRecord, vesselID string, role fleet.Role) (store.ComponentStatusRecord, bool) {
	recs, ok := cache[vesselID]
	if !ok {
		var err error
		recs, err = s.deps.Store.LatestStatuses(r.Context(), vesselID)
		if err != nil {
			s.logger.Warn("Failed to load component statuses", "vessel_id", vesselID, "error", err)
			recs = nil
		}
		cache[vesselID] = recs
	}
	for _, rec := range recs {
		if rec.Role == role {
			return rec, true
		}
	}
	return store.ComponentStatusRecord{}, false
}

type durationView struct {
	Seconds   *int64  `json:"seconds"`
	Formatted *string `json:"formatted"`
}

type runView struct {
	RunID             string          `json:"run_id"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           *time.Time      `json:"end_time"`
	Status            fleet.RunStatus `json:"status"`
	TotalVessels      int             `json:"total_vessels"`
	SuccessfulVessels int             `json:"successful_vessels"`
	FailedVessels     int             `json:"failed_vessels"`
	RetryAttempts     int             `json:"retry_attempts"`
	Duration          durationView    `json:"duration"`
	ErrorMessage      *string         `json:"error_message"`
	SuccessRate       float64         `json:"success_rate"`
}

func runSummaryView(rec store.RunRecord) runView {
	v := runView{
		RunID:             rec.ID,
		StartTime:         rec.StartTime,
		EndTime:           rec.EndTime,
		Status:            rec.Status,
		TotalVessels:      rec.TotalVessels,
		SuccessfulVessels: rec.SuccessfulVessels,
		FailedVessels:     rec.FailedVessels,
		RetryAttempts:     rec.RetryAttempts,
		ErrorMessage:      rec.ErrorMessage,
	}
	if rec.DurationSeconds != nil {
		secs := *rec.DurationSeconds
		formatted := formatDuration(time.Duration(secs) * time.Second)
		v.Duration = durationView{Seconds: &secs, Formatted: &formatted}
	}
	if rec.TotalVessels > 0 {
		v.SuccessRate = round1(float64(rec.SuccessfulVessels) / float64(rec.TotalVessels) * 100)
	}
	return v
}

func (s *Server) handleSchedulerRuns(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 20)
	if limit > 100 {
		limit = 100
	} else if limit < 1 {
		limit = 20
	}

	runs, err := s.deps.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load scheduler runs", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load scheduler runs")
		return
	}

	views := make([]runView, 0, len(runs))
	for _, rec := range runs {
		views = append(views, runSummaryView(rec))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"runs":        views,
		"total_count": len(views),
		"limit":       limit,
	})
}

type queryDurationView struct {
	Seconds   float64 `json:"seconds"`
	Formatted string  `json:"formatted"`
}

type attemptView struct {
	VesselID      string            `json:"vessel_id"`
	AttemptNumber int               `json:"attempt_number"`
	Success       bool              `json:"success"`
	QueryDuration queryDurationView `json:"query_duration"`
	ErrorMessage  *string           `json:"error_message"`
	Timestamp     time.Time         `json:"timestamp"`
}

type retryStatsView struct {
	TotalRetries       int `json:"total_retries"`
	VesselsWithRetries int `json:"vessels_with_retries"`
	MaxRetries         int `json:"max_retries_single_vessel"`
}

func (s *Server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	details, err := s.deps.Runs.RunDetails(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("scheduler run %s not found", runID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run details", "run_id", runID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load run details")
		return
	}

	attempts := make([]attemptView, 0, len(details.VesselResults))
	for _, res := range details.VesselResults {
		d := time.Duration(res.QueryDurationMS) * time.Millisecond
		attempts = append(attempts, attemptView{
			VesselID:      res.VesselID,
			AttemptNumber: res.AttemptNumber,
			Success:       res.Success,
			QueryDuration: queryDurationView{
				Seconds:   d.Seconds(),
				Formatted: formatDuration(d),
			},
			ErrorMessage: res.ErrorMessage,
			Timestamp:    res.Timestamp,
		})
	}

	var stats retryStatsView
	for _, retries := range details.RetrySummary {
		stats.TotalRetries += retries
		if retries > 0 {
			stats.VesselsWithRetries++
		}
		if retries > stats.MaxRetries {
			stats.MaxRetries = retries
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"run_summary":      runSummaryView(details.Run),
		"vessel_results":   attempts,
		"retry_summary":    details.RetrySummary,
		"retry_statistics": stats,
		"failed_vessels":   failedVessels(details.VesselResults),
	})
}

// failedVessels lists the vessels whose final attempt failed, sorted.
func failedVessels(results []store.VesselResultRecord) []string {
	lastAttempt := make(map[string]int)
	lastSuccess := make(map[string]bool)
	for _, res := range results {
		if res.AttemptNumber >= lastAttempt[res.VesselID] {
			lastAttempt[res.VesselID] = res.AttemptNumber
			lastSuccess[res.VesselID] = res.Success
		}
	}

	failed := make([]string, 0)
	for vesselID, ok := range lastSuccess {
		if !ok {
			failed = append(failed, vesselID)
		}
	}
	sort.Strings(failed)
	return failed
}

func (s *Server) handleRunStatistics(w http.ResponseWriter, r *http.Request) {
	days := intParam(r.URL.Query().Get("days_back"), 30)
	if days > 365 {
		days = 365
	} else if days < 1 {
		days = 30
	}

	stats, err := s.deps.Runs.Statistics(r.Context(), days)
	if err != nil {
		s.logger.Error("Failed to load run statistics", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load run statistics")
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

type activeRunView struct {
	RunID              string            `json:"run_id"`
	StartTime          time.Time         `json:"start_time"`
	Status             fleet.RunStatus   `json:"status"`
	TotalVessels       int               `json:"total_vessels"`
	SuccessfulVessels  int               `json:"successful_vessels"`
	FailedVessels      int               `json:"failed_vessels"`
	RetryAttempts      int               `json:"retry_attempts"`
	ElapsedTime        queryDurationView `json:"elapsed_time"`
	ProgressPercentage float64           `json:"progress_percentage"`
}

func activeRunViewFrom(rec *store.RunRecord) *activeRunView {
	if rec == nil {
		return nil
	}
	elapsed := time.Since(rec.StartTime)
	v := &activeRunView{
		RunID:             rec.ID,
		StartTime:         rec.StartTime,
		Status:            rec.Status,
		TotalVessels:      rec.TotalVessels,
		SuccessfulVessels: rec.SuccessfulVessels,
		FailedVessels:     rec.FailedVessels,
		RetryAttempts:     rec.RetryAttempts,
		ElapsedTime: queryDurationView{
			Seconds:   round1(elapsed.Seconds()),
			Formatted: formatDuration(elapsed),
		},
	}
	if rec.TotalVessels > 0 {
		done := rec.SuccessfulVessels + rec.FailedVessels
		v.ProgressPercentage = round1(float64(done) / float64(rec.TotalVessels) * 100)
	}
	return v
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Runs.ActiveRun(r.Context())
	if err != nil {
		s.logger.Error("Failed to load active run", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load active run")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"active_run": activeRunViewFrom(rec)})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Runs.ActiveRun(r.Context())
	if err != nil {
		s.logger.Warn("Failed to load active run", "error", err)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"scheduler":  s.deps.Scheduler.Stats(),
		"workflow":   s.deps.Pipeline.Status(),
		"active_run": activeRunViewFrom(rec),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline.Running() {
		s.respondJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "monitoring cycle already running",
		})
		return
	}

	if err := s.deps.Scheduler.TriggerNow(); err != nil {
		if errors.Is(err, scheduler.ErrNotStarted) {
			s.respondJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"message": "scheduler is not running",
			})
			return
		}
		s.logger.Error("Failed to trigger monitoring run", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to trigger monitoring run")
		return
	}

	u := userFrom(r.Context())
	s.logger.Info("Manual monitoring run triggered", "user", u.ID)
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"message":      "monitoring run triggered",
		"triggered_by": u.ID,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
		s.respondError(w, http.StatusUnauthorized, "basic authentication required")
		return
	}
	if !s.cfg.Credentials.match(username, password) {
		w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, _ := s.tokens.Issue(username)
	s.logger.Info("Issued dashboard token", "user", username)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int64(s.tokens.ttl.Seconds()),
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "no token to revoke"})
		return
	}
	if s.tokens.Revoke(token) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "token revoked"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "token not found"})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if u, ok := s.identify(r); ok {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user_id":       u.ID,
			"auth_method":   u.Method,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"authenticated": false,
		"auth_methods":  []string{authBearer, authBasic},
	})
}

// formatDuration renders a duration as "2d 4h 11m"; anything under a
// minute reads "< 1m".
func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if len(parts) == 0 {
		return "< 1m"
	}
	return strings.Join(parts, " ")
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
