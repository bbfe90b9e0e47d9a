// Package ticketing turns persistent downtime into tracker tickets. It owns
// the issue summary format, the duplicate-prevention rule, the approval-gated
// creation workflow, and the tracker REST client.
package ticketing

import (
	"fmt"
	"strings"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// IssueSummary is the human-facing description of one downtime incident,
// ready to become a tracker ticket.
type IssueSummary struct {
	VesselID          string              `json:"vessel_id"`
	Role              fleet.Role          `json:"component_type"`
	DowntimeDuration  time.Duration       `json:"-"`
	HistoricalContext string              `json:"historical_context"`
	Severity          fleet.IssueSeverity `json:"severity"`
}

// NewIssueSummary builds a summary for one incident, grading severity from
// the downtime duration.
func NewIssueSummary(vesselID string, role fleet.Role, downtime time.Duration, context string) (IssueSummary, error) {
	if strings.TrimSpace(vesselID) == "" {
		return IssueSummary{}, fmt.Errorf("issue summary: vessel id is required")
	}
	if !role.Valid() {
		return IssueSummary{}, fmt.Errorf("issue summary: unknown component %q", role)
	}
	if downtime < 0 {
		return IssueSummary{}, fmt.Errorf("issue summary: negative downtime %s", downtime)
	}
	if strings.TrimSpace(context) == "" {
		context = "No historical context available"
	}

	return IssueSummary{
		VesselID:          vesselID,
		Role:              role,
		DowntimeDuration:  downtime,
		HistoricalContext: context,
		Severity:          SeverityForDowntime(downtime),
	}, nil
}

// SeverityForDowntime grades a ticket by outage length. The ladder is coarser
// than the alert ladder on purpose: tickets track multi-day incidents.
func SeverityForDowntime(downtime time.Duration) fleet.IssueSeverity {
	switch {
	case downtime >= 7*24*time.Hour:
		return fleet.IssueSeverityCritical
	case downtime >= 3*24*time.Hour:
		return fleet.IssueSeverityHigh
	default:
		return fleet.IssueSeverityMedium
	}
}

// Title renders the ticket summary line.
func (s IssueSummary) Title() string {
	return fmt.Sprintf("Vessel %s - %s Down for %s",
		s.VesselID, s.Role.DisplayName(), FormatDuration(s.DowntimeDuration))
}

// Description renders the ticket body.
func (s IssueSummary) Description() string {
	return fmt.Sprintf("Infrastructure Issue Report\n\n"+
		"Vessel ID: %s\n"+
		"Component: %s\n"+
		"Downtime Duration: %s\n"+
		"Severity: %s\n\n"+
		"Historical Context:\n%s",
		s.VesselID,
		s.Role.DisplayName(),
		FormatDuration(s.DowntimeDuration),
		titleCase(string(s.Severity)),
		s.HistoricalContext)
}

// FormatDuration renders a downtime span as "N days, N hours, N minutes",
// omitting zero units. Spans under a minute render as "less than 1 minute".
func FormatDuration(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d day%s", days, plural(days)))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d hour%s", hours, plural(hours)))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%d minute%s", minutes, plural(minutes)))
	}

	if len(parts) == 0 {
		return "less than 1 minute"
	}
	return strings.Join(parts, ", ")
}

func plural(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
