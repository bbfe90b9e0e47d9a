package ticketing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/store"
)

// lastFailureKey is the system-state slot recording the most recent tracker
// failure after an approval, for operator retry.
const lastFailureKey = "last_ticket_failure"

// TrackerClient is the tracker surface the workflow drives.
type TrackerClient interface {
	SearchOpenIssues(ctx context.Context, vesselID string, role fleet.Role) ([]Issue, error)
	CreateIssue(ctx context.Context, summary IssueSummary) (Issue, error)
}

// Approver gates ticket creation on a human decision.
type Approver interface {
	RequestApproval(ctx context.Context, summary IssueSummary, timeout time.Duration) (string, error)
	Await(ctx context.Context, requestID string, maxWait time.Duration) (fleet.ApprovalStatus, error)
}

// TicketStore persists tickets and their lifecycle records.
type TicketStore interface {
	OpenTicketRecords(ctx context.Context, vesselID string, role fleet.Role, createdAfter time.Time) ([]store.TicketRecord, error)
	InsertTicket(ctx context.Context, t *store.Ticket) error
	InsertTicketRecord(ctx context.Context, rec *store.TicketRecord) error
	LinkAlertToTicket(ctx context.Context, trackerKey string, alertID int64) error
	SetStateJSON(ctx context.Context, key string, v any) error
}

// AlertMarker annotates an alert once a ticket exists for it.
type AlertMarker interface {
	LinkTicket(ctx context.Context, alertID int64, trackerKey string) error
}

// DuplicateRules bound how often a component may receive a new ticket.
type DuplicateRules struct {
	// Window is how far back open records count against a new ticket.
	Window time.Duration

	// MaxPerComponent caps open tickets per (vessel, component) in the window.
	MaxPerComponent int

	// AllowEscalation lets a strictly higher severity through the cap of one.
	AllowEscalation bool
}

// DefaultDuplicateRules returns the production rule set.
func DefaultDuplicateRules() DuplicateRules {
	return DuplicateRules{
		Window:          24 * time.Hour,
		MaxPerComponent: 3,
		AllowEscalation: true,
	}
}

// OutcomeStatus names how one ticket request ended.
type OutcomeStatus string

const (
	// OutcomeCreated means the ticket was approved, created, and recorded.
	OutcomeCreated OutcomeStatus = "created"

	// OutcomeExisting means the tracker already holds an open issue the
	// local records do not know about.
	OutcomeExisting OutcomeStatus = "existing_open"

	// OutcomeDuplicate means the duplicate rule rejected the request.
	OutcomeDuplicate OutcomeStatus = "duplicate"

	// OutcomeRejected means the human declined.
	OutcomeRejected OutcomeStatus = "rejected"

	// OutcomeTimedOut means nobody answered within the approval window.
	OutcomeTimedOut OutcomeStatus = "timed_out"

	// OutcomeTrackerFailed means the human approved but the tracker call
	// failed. The approval stays approved; the failure is recorded for
	// operator retry and the human is never re-asked.
	OutcomeTrackerFailed OutcomeStatus = "tracker_failed"
)

// Outcome describes how one request through the workflow ended.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	TicketKey string        `json:"ticket_key,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Manager runs the approval-gated ticket workflow: check existing, apply the
// duplicate rule, ask a human, create, record, link.
type Manager struct {
	tracker  TrackerClient
	approver Approver
	store    TicketStore
	alerts   AlertMarker
	rules    DuplicateRules
	timeout  time.Duration
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDuplicateRules overrides the duplicate-prevention rules.
func WithDuplicateRules(rules DuplicateRules) ManagerOption {
	return func(m *Manager) {
		m.rules = rules
	}
}

// WithApprovalTimeout overrides the per-request approval timeout.
func WithApprovalTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithAlertMarker wires the alert ledger so created tickets annotate their
// source alert.
func WithAlertMarker(am AlertMarker) ManagerOption {
	return func(m *Manager) {
		m.alerts = am
	}
}

// NewManager creates the ticket workflow manager.
func NewManager(tracker TrackerClient, approver Approver, st TicketStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		tracker:  tracker,
		approver: approver,
		store:    st,
		rules:    DefaultDuplicateRules(),
		timeout:  60 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckDuplicate applies the duplicate-prevention rule for one component.
// It reports whether a new ticket at the offered severity must be rejected,
// along with the open records considered, newest first.
func (m *Manager) CheckDuplicate(ctx context.Context, vesselID string, role fleet.Role, offered fleet.IssueSeverity) (bool, []store.TicketRecord, error) {
	cutoff := time.Now().UTC().Add(-m.rules.Window)
	existing, err := m.store.OpenTicketRecords(ctx, vesselID, role, cutoff)
	if err != nil {
		return false, nil, fmt.Errorf("load open tickets for %s/%s: %w", vesselID, role, err)
	}

	if len(existing) == 0 {
		return false, nil, nil
	}

	if len(existing) >= m.rules.MaxPerComponent {
		m.logger.Info("Open ticket cap reached",
			"vessel_id", vesselID,
			"component", role,
			"open", len(existing),
			"max", m.rules.MaxPerComponent)
		return true, existing, nil
	}

	if m.rules.AllowEscalation {
		highest := fleet.IssueSeverity("")
		for _, rec := range existing {
			if rec.Severity.Rank() > highest.Rank() {
				highest = rec.Severity
			}
		}
		if offered.Rank() > highest.Rank() {
			m.logger.Info("Allowing ticket for severity escalation",
				"vessel_id", vesselID,
				"component", role,
				"offered", offered,
				"highest_open", highest)
			return false, existing, nil
		}
	}

	return true, existing, nil
}

// CreateWithApproval runs the full workflow for one incident. A non-positive
// alertID means no alert is linked. Workflow-resolved ends (duplicate,
// rejection, timeout, tracker failure after approval) return a nil error;
// the error is non-nil only when the workflow could not reach a decision.
func (m *Manager) CreateWithApproval(ctx context.Context, summary IssueSummary, alertID int64) (*Outcome, error) {
	// Open issues in the tracker that local records missed block creation
	// outright; the rule below cannot rank them.
	trackerOpen, err := m.tracker.SearchOpenIssues(ctx, summary.VesselID, summary.Role)
	if err != nil {
		m.logger.Warn("Tracker search failed, relying on local records",
			"vessel_id", summary.VesselID,
			"component", summary.Role,
			"error", err)
	}

	duplicate, existing, err := m.CheckDuplicate(ctx, summary.VesselID, summary.Role, summary.Severity)
	if err != nil {
		// A failed duplicate check never blocks ticket creation.
		m.logger.Warn("Duplicate check failed, proceeding",
			"vessel_id", summary.VesselID,
			"component", summary.Role,
			"error", err)
		duplicate = false
	}

	if duplicate {
		newest := existing[0]
		if alertID > 0 {
			if err := m.store.LinkAlertToTicket(ctx, newest.TrackerKey, alertID); err != nil {
				m.logger.Error("Failed to link alert to existing ticket",
					"ticket_key", newest.TrackerKey,
					"alert_id", alertID,
					"error", err)
			}
		}
		m.logger.Info("Duplicate ticket suppressed",
			"vessel_id", summary.VesselID,
			"component", summary.Role,
			"existing_key", newest.TrackerKey,
			"open", len(existing))
		return &Outcome{Status: OutcomeDuplicate, TicketKey: newest.TrackerKey}, nil
	}

	if len(existing) == 0 && len(trackerOpen) > 0 {
		m.logger.Info("Open tracker issue found, skipping creation",
			"vessel_id", summary.VesselID,
			"component", summary.Role,
			"existing_key", trackerOpen[0].Key)
		return &Outcome{Status: OutcomeExisting, TicketKey: trackerOpen[0].Key}, nil
	}

	requestID, err := m.approver.RequestApproval(ctx, summary, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("request approval for %s/%s: %w", summary.VesselID, summary.Role, err)
	}
	m.logger.Info("Requested ticket approval",
		"request_id", requestID,
		"vessel_id", summary.VesselID,
		"component", summary.Role,
		"severity", summary.Severity)

	status, err := m.approver.Await(ctx, requestID, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("await approval %s: %w", requestID, err)
	}

	switch status {
	case fleet.ApprovalApproved:
		return m.createApproved(ctx, summary, alertID, requestID)
	case fleet.ApprovalRejected:
		m.logger.Info("Ticket creation rejected", "request_id", requestID)
		return &Outcome{Status: OutcomeRejected, RequestID: requestID}, nil
	case fleet.ApprovalTimeout:
		m.logger.Warn("Ticket approval timed out", "request_id", requestID)
		return &Outcome{Status: OutcomeTimedOut, RequestID: requestID}, nil
	default:
		return nil, fmt.Errorf("approval %s ended in unexpected status %q", requestID, status)
	}
}

// createApproved files the ticket and records it. The approval is already
// terminal, so tracker failures are recorded rather than re-prompted.
func (m *Manager) createApproved(ctx context.Context, summary IssueSummary, alertID int64, requestID string) (*Outcome, error) {
	issue, err := m.tracker.CreateIssue(ctx, summary)
	if err != nil {
		m.recordTrackerFailure(ctx, summary, requestID, err)
		return &Outcome{
			Status:    OutcomeTrackerFailed,
			RequestID: requestID,
			Reason:    err.Error(),
		}, nil
	}

	now := time.Now().UTC()
	ticket := store.Ticket{
		TrackerKey:      issue.Key,
		VesselID:        summary.VesselID,
		Role:            summary.Role,
		Summary:         summary.Title(),
		TrackerStatus:   issue.Status,
		DowntimeSeconds: int64(summary.DowntimeDuration.Seconds()),
		CreatedAt:       now,
	}
	if ticket.TrackerStatus == "" {
		ticket.TrackerStatus = "Open"
	}
	if alertID > 0 {
		ticket.AlertID = &alertID
	}
	if err := m.store.InsertTicket(ctx, &ticket); err != nil {
		m.logger.Error("Failed to record ticket", "key", issue.Key, "error", err)
	}

	rec := store.TicketRecord{
		TrackerKey:      issue.Key,
		TrackerID:       issue.ID,
		VesselID:        summary.VesselID,
		Role:            summary.Role,
		Severity:        summary.Severity,
		Lifecycle:       fleet.TicketCreated,
		DowntimeSeconds: int64(summary.DowntimeDuration.Seconds()),
		Context:         summary.HistoricalContext,
	}
	if err := m.store.InsertTicketRecord(ctx, &rec); err != nil {
		m.logger.Error("Failed to record ticket lifecycle", "key", issue.Key, "error", err)
	}

	if alertID > 0 {
		if err := m.store.LinkAlertToTicket(ctx, issue.Key, alertID); err != nil {
			m.logger.Error("Failed to link alert to ticket",
				"key", issue.Key,
				"alert_id", alertID,
				"error", err)
		}
		if m.alerts != nil {
			if err := m.alerts.LinkTicket(ctx, alertID, issue.Key); err != nil {
				m.logger.Error("Failed to mark alert with ticket",
					"key", issue.Key,
					"alert_id", alertID,
					"error", err)
			}
		}
	}

	m.logger.Info("Ticket created and recorded",
		"key", issue.Key,
		"vessel_id", summary.VesselID,
		"component", summary.Role,
		"severity", summary.Severity,
		"request_id", requestID)

	return &Outcome{Status: OutcomeCreated, TicketKey: issue.Key, RequestID: requestID}, nil
}

// recordTrackerFailure checkpoints the failure so an operator can retry the
// creation by hand.
func (m *Manager) recordTrackerFailure(ctx context.Context, summary IssueSummary, requestID string, cause error) {
	m.logger.Error("Tracker creation failed after approval",
		"request_id", requestID,
		"vessel_id", summary.VesselID,
		"component", summary.Role,
		"error", cause)

	failure := map[string]any{
		"request_id": requestID,
		"vessel_id":  summary.VesselID,
		"component":  string(summary.Role),
		"severity":   string(summary.Severity),
		"title":      summary.Title(),
		"error":      cause.Error(),
		"failed_at":  time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.SetStateJSON(ctx, lastFailureKey, failure); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Failed to checkpoint tracker failure", "error", err)
	}
}
