// Package alerting maintains the alert ledger. At most one alert is open
// per (vessel, component, kind); SLA violations and persistent downtime
// open alerts, recoveries resolve them and leave a notification record.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/sla"
	"github.com/balakumargv-solx/infra-agent/store"
)

// AlertStore is the slice of the store the manager writes through.
type AlertStore interface {
	InsertAlert(ctx context.Context, rec *store.AlertRecord) error
	ResolveAlert(ctx context.Context, id int64, at time.Time) error
	UpdateAlertMetadata(ctx context.Context, id int64, metadata store.JSONMap) error
	OpenAlerts(ctx context.Context) ([]store.AlertRecord, error)
	AlertHistory(ctx context.Context, since time.Time, limit int) ([]store.AlertRecord, error)
}

// Alert is the in-flight view of a recorded alert.
type Alert struct {
	ID            int64               `json:"id"`
	VesselID      string              `json:"vessel_id"`
	Role          fleet.Role          `json:"role"`
	Kind          fleet.AlertKind     `json:"kind"`
	Severity      fleet.AlertSeverity `json:"severity"`
	Level         fleet.AlertLevel    `json:"level"`
	Message       string              `json:"message"`
	DowntimeAging time.Duration       `json:"-"`
	Uptime        float64             `json:"uptime_percentage"`
	Context       string              `json:"historical_context,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

type ledgerKey struct {
	vesselID string
	role     fleet.Role
	kind     fleet.AlertKind
}

// Manager raises, deduplicates, and resolves alerts against the store.
type Manager struct {
	store  AlertStore
	params sla.Parameters
	logger *slog.Logger

	mu   sync.Mutex
	open map[ledgerKey]int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a manager. Call Restore before the first pass so alerts open
// from previous runs are deduplicated rather than reraised.
func New(st AlertStore, params sla.Parameters, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		params: params,
		logger: slog.Default(),
		open:   make(map[ledgerKey]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore rebuilds the open-alert ledger from the store.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.OpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("restore open alerts: %w", err)
	}

	m.mu.Lock()
	m.open = make(map[ledgerKey]int64, len(recs))
	for _, rec := range recs {
		m.open[ledgerKey{rec.VesselID, rec.Role, rec.Kind}] = rec.ID
	}
	m.mu.Unlock()

	m.logger.Info("Restored open alerts", "count", len(recs))
	return nil
}

// LevelFor grades a violating component by downtime and uptime. A compliant
// component grades low.
func LevelFor(compliant bool, downtime time.Duration, uptimePct float64) fleet.AlertLevel {
	if compliant {
		return fleet.LevelLow
	}

	hours := downtime.Hours()
	switch {
	case hours >= 72 || uptimePct < 50:
		return fleet.LevelCritical
	case hours >= 24 || uptimePct < 80:
		return fleet.LevelHigh
	case hours >= 4 || uptimePct < 90:
		return fleet.LevelMedium
	default:
		return fleet.LevelLow
	}
}

// ProcessAssessments raises an SLA violation alert for every newly
// non-compliant component. Components already alerted keep their open
// alert; only newly raised alerts are returned.
func (m *Manager) ProcessAssessments(ctx context.Context, assessments []sla.Assessment) []Alert {
	var raised []Alert
	threshold := m.Parameters().UptimeThreshold

	for _, as := range assessments {
		if as.Compliant {
			continue
		}

		k := ledgerKey{as.VesselID, as.Role, fleet.AlertKindSLAViolation}
		if _, open := m.openID(k); open {
			continue
		}

		level := LevelFor(false, as.ViolationDuration, as.UptimePercentage)
		alert := Alert{
			VesselID:      as.VesselID,
			Role:          as.Role,
			Kind:          fleet.AlertKindSLAViolation,
			Severity:      level.Severity(),
			Level:         level,
			DowntimeAging: as.DowntimeAging,
			Uptime:        as.UptimePercentage,
			Message: fmt.Sprintf("%s uptime %.1f%% is below the %.1f%% threshold on vessel %s",
				as.Role.DisplayName(), as.UptimePercentage, threshold, as.VesselID),
		}

		if err := m.record(ctx, k, &alert); err != nil {
			m.logger.Error("Failed to record SLA violation alert",
				"vessel_id", as.VesselID,
				"component", as.Role,
				"error", err)
			continue
		}
		raised = append(raised, alert)
	}

	if len(raised) > 0 {
		m.logger.Info("SLA violation alerts raised", "count", len(raised))
	}
	return raised
}

// MonitorPersistentDowntime returns an alert for every component whose
// violation has outlasted the ticketing threshold. Components without an
// open persistent-downtime alert get one recorded; components already
// alerted return their open alert so the ticket workflow reconsiders them
// for escalation.
func (m *Manager) MonitorPersistentDowntime(ctx context.Context, assessments []sla.Assessment) []Alert {
	var persistent []Alert
	downtimeAlert := m.Parameters().DowntimeAlert

	for _, as := range assessments {
		if as.Compliant || as.ViolationDuration < downtimeAlert {
			continue
		}

		k := ledgerKey{as.VesselID, as.Role, fleet.AlertKindPersistentDowntime}
		level := LevelFor(false, as.ViolationDuration, as.UptimePercentage)
		alert := Alert{
			VesselID:      as.VesselID,
			Role:          as.Role,
			Kind:          fleet.AlertKindPersistentDowntime,
			Severity:      level.Severity(),
			Level:         level,
			DowntimeAging: as.ViolationDuration,
			Uptime:        as.UptimePercentage,
			Context:       m.historicalContext(ctx, as.VesselID, as.Role),
			Message: fmt.Sprintf("%s on vessel %s has been down for %.1f hours, exceeding the %.0f hour threshold",
				as.Role.DisplayName(), as.VesselID, as.ViolationDuration.Hours(), downtimeAlert.Hours()),
		}

		if id, open := m.openID(k); open {
			alert.ID = id
			persistent = append(persistent, alert)
			continue
		}

		if err := m.record(ctx, k, &alert); err != nil {
			m.logger.Error("Failed to record persistent downtime alert",
				"vessel_id", as.VesselID,
				"component", as.Role,
				"error", err)
			continue
		}
		persistent = append(persistent, alert)
	}

	if len(persistent) > 0 {
		m.logger.Info("Persistent downtime alerts active",
			"count", len(persistent),
			"threshold", downtimeAlert)
	}
	return persistent
}

// Parameters returns the SLA parameters the manager grades against.
func (m *Manager) Parameters() sla.Parameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// SetParameters replaces the grading parameters. Open alerts keep the
// thresholds they were raised under.
func (m *Manager) SetParameters(p sla.Parameters) {
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
}

// MaintenanceStats summarizes one resolution sweep.
type MaintenanceStats struct {
	Resolved   int `json:"resolved"`
	Recoveries int `json:"recoveries"`
}

// MaintainAlerts resolves open alerts for components back in compliance and
// records a recovery notice per recovered component.
func (m *Manager) MaintainAlerts(ctx context.Context, assessments []sla.Assessment) MaintenanceStats {
	var stats MaintenanceStats
	now := time.Now().UTC()

	for _, as := range assessments {
		if !as.Compliant {
			continue
		}

		recovered := false
		for _, kind := range []fleet.AlertKind{fleet.AlertKindSLAViolation, fleet.AlertKindPersistentDowntime} {
			k := ledgerKey{as.VesselID, as.Role, kind}
			id, open := m.openID(k)
			if !open {
				continue
			}

			if err := m.store.ResolveAlert(ctx, id, now); err != nil && !errors.Is(err, store.ErrNotFound) {
				m.logger.Error("Failed to resolve alert",
					"alert_id", id,
					"vessel_id", as.VesselID,
					"component", as.Role,
					"error", err)
				continue
			}

			m.mu.Lock()
			delete(m.open, k)
			m.mu.Unlock()

			stats.Resolved++
			recovered = true
			m.logger.Info("Alert resolved",
				"alert_id", id,
				"vessel_id", as.VesselID,
				"component", as.Role,
				"kind", kind)
		}

		if recovered {
			if err := m.recordRecovery(ctx, as, now); err != nil {
				m.logger.Error("Failed to record recovery notice",
					"vessel_id", as.VesselID,
					"component", as.Role,
					"error", err)
				continue
			}
			stats.Recoveries++
		}
	}

	return stats
}

// LinkTicket annotates an alert with the tracker ticket raised for it.
func (m *Manager) LinkTicket(ctx context.Context, alertID int64, trackerKey string) error {
	metadata := store.JSONMap{
		"ticket_key":       trackerKey,
		"ticket_linked_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.UpdateAlertMetadata(ctx, alertID, metadata); err != nil {
		return fmt.Errorf("link ticket %s to alert %d: %w", trackerKey, alertID, err)
	}
	return nil
}

// OpenCount reports how many alerts the ledger holds open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Manager) openID(k ledgerKey) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[k]
	return id, ok
}

// record inserts the alert row and registers it in the ledger.
func (m *Manager) record(ctx context.Context, k ledgerKey, alert *Alert) error {
	rec := store.AlertRecord{
		VesselID: alert.VesselID,
		Role:     alert.Role,
		Kind:     alert.Kind,
		Severity: alert.Severity,
		Message:  alert.Message,
		Metadata: store.JSONMap{
			"level":                string(alert.Level),
			"uptime_percentage":    alert.Uptime,
			"downtime_aging_hours": alert.DowntimeAging.Hours(),
		},
	}
	if alert.Context != "" {
		rec.Metadata["historical_context"] = alert.Context
	}

	if err := m.store.InsertAlert(ctx, &rec); err != nil {
		return err
	}

	m.mu.Lock()
	m.open[k] = rec.ID
	m.mu.Unlock()

	alert.ID = rec.ID
	alert.CreatedAt = rec.CreatedAt
	return nil
}

// recordRecovery inserts a pre-resolved notification row; recoveries are
// events, not ongoing conditions, so they never enter the ledger.
func (m *Manager) recordRecovery(ctx context.Context, as sla.Assessment, now time.Time) error {
	rec := store.AlertRecord{
		VesselID: as.VesselID,
		Role:     as.Role,
		Kind:     fleet.AlertKindRecovery,
		Severity: fleet.AlertSeverityInfo,
		Message: fmt.Sprintf("%s on vessel %s recovered, uptime %.1f%%",
			as.Role.DisplayName(), as.VesselID, as.UptimePercentage),
		Metadata: store.JSONMap{
			"uptime_percentage": as.UptimePercentage,
		},
		Resolved:   true,
		ResolvedAt: &now,
	}
	return m.store.InsertAlert(ctx, &rec)
}

// historicalContext summarizes recent alert activity for one component; the
// ticket workflow embeds it in issue descriptions.
func (m *Manager) historicalContext(ctx context.Context, vesselID string, role fleet.Role) string {
	since := time.Now().UTC().AddDate(0, 0, -7)
	hist, err := m.store.AlertHistory(ctx, since, 0)
	if err != nil {
		m.logger.Warn("Failed to load alert history for context",
			"vessel_id", vesselID,
			"error", err)
		return "No recent alert history available"
	}

	count := 0
	for _, rec := range hist {
		if rec.VesselID == vesselID && rec.Role == role {
			count++
		}
	}
	return fmt.Sprintf("%d related alerts in the last 7 days", count)
}
