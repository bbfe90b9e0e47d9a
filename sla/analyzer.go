// Package sla checks derived component metrics against the fleet service
// level objective and tracks the lifecycle of violations in the store: at
// most one open violation exists per (vessel, component) pair, opened when
// compliance is lost and closed when it returns.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/store"
)

// Parameters are the SLA settings applied uniformly across the fleet.
type Parameters struct {
	// UptimeThreshold is the minimum compliant uptime in percent. A
	// component sitting exactly on the threshold is compliant.
	UptimeThreshold float64

	// DowntimeAlert is how long a violation must last before the ticket
	// workflow is engaged.
	DowntimeAlert time.Duration

	// Window is the monitoring window the uptime percentages cover.
	Window time.Duration
}

// DefaultParameters returns the fleet defaults: 95% uptime over a 24 hour
// window, tickets after 3 days of downtime.
func DefaultParameters() Parameters {
	return Parameters{
		UptimeThreshold: 95.0,
		DowntimeAlert:   3 * 24 * time.Hour,
		Window:          24 * time.Hour,
	}
}

// ViolationStore is the slice of the store the analyzer writes through.
type ViolationStore interface {
	OpenViolations(ctx context.Context) ([]store.ViolationRecord, error)
	OpenViolation(ctx context.Context, rec *store.ViolationRecord) error
	CloseViolation(ctx context.Context, id int64, end time.Time) (time.Duration, error)
}

// Assessment is the compliance verdict for one component.
type Assessment struct {
	VesselID         string        `json:"vessel_id"`
	Role             fleet.Role    `json:"role"`
	Status           fleet.Status  `json:"status"`
	UptimePercentage float64       `json:"uptime_percentage"`
	Compliant        bool          `json:"is_compliant"`
	DowntimeAging    time.Duration `json:"-"`

	// ViolationDuration estimates how long the component has been in
	// violation: the downtime aging when it is down, otherwise the share
	// of the window its missed uptime accounts for. Zero when compliant.
	ViolationDuration time.Duration `json:"violation_duration,omitempty"`

	// ViolationID is the open violation row tracking this component, if
	// one exists after analysis.
	ViolationID int64 `json:"violation_id,omitempty"`

	// Opened and Closed report lifecycle transitions made by this pass.
	Opened bool `json:"-"`
	Closed bool `json:"-"`

	// ClosedDuration is the total violation length when Closed is set.
	ClosedDuration time.Duration `json:"-"`
}

type violationKey struct {
	vesselID string
	role     fleet.Role
}

// Analyzer evaluates vessel metrics against the SLA and keeps the open
// violation cache in step with the store.
type Analyzer struct {
	store  ViolationStore
	params Parameters
	logger *slog.Logger

	mu   sync.Mutex
	open map[violationKey]int64
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// New creates an analyzer. Call Restore before the first analysis so open
// violations from previous runs are tracked rather than reopened.
func New(st ViolationStore, params Parameters, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:  st,
		params: params,
		logger: slog.Default(),
		open:   make(map[violationKey]int64),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.logger.Info("SLA analyzer initialized",
		"uptime_threshold_pct", params.UptimeThreshold,
		"downtime_alert", params.DowntimeAlert,
		"window", params.Window)

	return a
}

// Restore rebuilds the open-violation cache from the store.
func (a *Analyzer) Restore(ctx context.Context) error {
	recs, err := a.store.OpenViolations(ctx)
	if err != nil {
		return fmt.Errorf("restore open violations: %w", err)
	}

	a.mu.Lock()
	a.open = make(map[violationKey]int64, len(recs))
	for _, rec := range recs {
		a.open[violationKey{rec.VesselID, rec.Role}] = rec.ID
	}
	a.mu.Unlock()

	a.logger.Info("Restored open SLA violations", "count", len(recs))
	return nil
}

// Assess computes the compliance verdict for one component without touching
// the store.
func (a *Analyzer) Assess(vesselID string, cs fleet.ComponentStatus) Assessment {
	params := a.Parameters()
	compliant := cs.UptimePercentage >= params.UptimeThreshold

	var violation time.Duration
	if !compliant {
		if cs.CurrentStatus != fleet.StatusUp {
			violation = cs.DowntimeAging
		} else {
			missed := 100.0 - cs.UptimePercentage
			violation = time.Duration(float64(params.Window) * missed / 100.0)
		}
	}

	return Assessment{
		VesselID:          vesselID,
		Role:              cs.Role,
		Status:            cs.CurrentStatus,
		UptimePercentage:  cs.UptimePercentage,
		Compliant:         compliant,
		DowntimeAging:     cs.DowntimeAging,
		ViolationDuration: violation,
	}
}

// AnalyzeVessel assesses every collected component of one vessel and
// applies the violation lifecycle. The metrics timestamp is treated as the
// analysis time.
func (a *Analyzer) AnalyzeVessel(ctx context.Context, m fleet.VesselMetrics) ([]Assessment, error) {
	now := m.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	threshold := a.Parameters().UptimeThreshold

	out := make([]Assessment, 0, len(m.Components))
	for _, role := range fleet.AllRoles() {
		cs, ok := m.Components[role]
		if !ok {
			continue
		}

		as := a.Assess(m.VesselID, cs)
		if !as.Compliant {
			a.logger.Warn("SLA violation detected",
				"vessel_id", m.VesselID,
				"component", role,
				"uptime_pct", as.UptimePercentage,
				"threshold_pct", threshold)
		}

		if err := a.track(ctx, &as, now); err != nil {
			return nil, fmt.Errorf("track violation for %s/%s: %w", m.VesselID, role, err)
		}
		out = append(out, as)
	}

	return out, nil
}

// AnalyzeFleet runs the vessel analysis over a whole collection. A vessel
// whose tracking fails is logged and skipped; the rest proceed.
func (a *Analyzer) AnalyzeFleet(ctx context.Context, metrics []fleet.VesselMetrics) []Assessment {
	var out []Assessment
	violations := 0

	for _, m := range metrics {
		assessments, err := a.AnalyzeVessel(ctx, m)
		if err != nil {
			a.logger.Error("SLA analysis failed for vessel",
				"vessel_id", m.VesselID,
				"error", err)
			continue
		}
		for _, as := range assessments {
			if !as.Compliant {
				violations++
			}
		}
		out = append(out, assessments...)
	}

	a.logger.Info("Fleet SLA analysis completed",
		"vessels", len(metrics),
		"violations", violations)

	return out
}

// track opens or closes the stored violation for one assessment and keeps
// the cache in step.
func (a *Analyzer) track(ctx context.Context, as *Assessment, now time.Time) error {
	k := violationKey{as.VesselID, as.Role}

	a.mu.Lock()
	id, tracked := a.open[k]
	a.mu.Unlock()

	if !as.Compliant {
		if tracked {
			as.ViolationID = id
			return nil
		}

		secs := int64(as.ViolationDuration.Seconds())
		rec := store.ViolationRecord{
			VesselID:         as.VesselID,
			Role:             as.Role,
			ViolationStart:   now.Add(-as.ViolationDuration),
			UptimePercentage: as.UptimePercentage,
			DurationSeconds:  &secs,
		}
		if err := a.store.OpenViolation(ctx, &rec); err != nil {
			return err
		}

		a.mu.Lock()
		a.open[k] = rec.ID
		a.mu.Unlock()

		as.ViolationID = rec.ID
		as.Opened = true
		a.logger.Info("Opened SLA violation",
			"vessel_id", as.VesselID,
			"component", as.Role,
			"violation_id", rec.ID,
			"uptime_pct", as.UptimePercentage)
		return nil
	}

	if !tracked {
		return nil
	}

	total, err := a.store.CloseViolation(ctx, id, now)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	a.mu.Lock()
	delete(a.open, k)
	a.mu.Unlock()

	as.ViolationID = id
	as.Closed = true
	as.ClosedDuration = total
	a.logger.Info("Resolved SLA violation",
		"vessel_id", as.VesselID,
		"component", as.Role,
		"violation_id", id,
		"total_duration", total)
	return nil
}

// TrackedViolations reports how many open violations the cache holds.
func (a *Analyzer) TrackedViolations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// PersistentViolations filters assessments whose violation has lasted at
// least the downtime alert threshold. These feed the ticket workflow.
func (a *Analyzer) PersistentViolations(assessments []Assessment) []Assessment {
	threshold := a.Parameters().DowntimeAlert

	var out []Assessment
	for _, as := range assessments {
		if !as.Compliant && as.ViolationDuration >= threshold {
			out = append(out, as)
		}
	}

	if len(out) > 0 {
		a.logger.Info("Persistent downtime detected",
			"count", len(out),
			"threshold", threshold)
	}
	return out
}

// Parameters returns the SLA parameters in effect.
func (a *Analyzer) Parameters() Parameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// SetParameters replaces the SLA parameters. The next analysis pass uses the
// new values; violations already being tracked are unaffected.
func (a *Analyzer) SetParameters(p Parameters) {
	a.mu.Lock()
	a.params = p
	a.mu.Unlock()

	a.logger.Info("SLA parameters updated",
		"uptime_threshold_pct", p.UptimeThreshold,
		"downtime_alert", p.DowntimeAlert,
		"window", p.Window)
}
