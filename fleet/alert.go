package fleet

import "fmt"

// AlertKind distinguishes the alert families the monitor can raise.
type AlertKind string

const (
	// AlertKindSLAViolation marks a component whose uptime fell below the
	// configured threshold.
	AlertKindSLAViolation AlertKind = "sla_violation"

	// AlertKindPersistentDowntime marks downtime that outlasted the alert
	// threshold. These alerts feed the ticket workflow.
	AlertKindPersistentDowntime AlertKind = "persistent_downtime"

	// AlertKindRecovery marks a component that returned to compliance.
	AlertKindRecovery AlertKind = "recovery"
)

// Valid reports whether k is one of the known alert kinds.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertKindSLAViolation, AlertKindPersistentDowntime, AlertKindRecovery:
		return true
	}
	return false
}

// AlertSeverity is the coarse severity recorded on an alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Valid reports whether s is one of the known alert severities.
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityInfo, AlertSeverityWarning, AlertSeverityCritical:
		return true
	}
	return false
}

// AlertLevel is the fine-grained ladder behind AlertSeverity. The dashboard
// ranks components with it and alert metadata records it; two levels share
// the warning severity.
type AlertLevel string

const (
	LevelLow      AlertLevel = "low"
	LevelMedium   AlertLevel = "medium"
	LevelHigh     AlertLevel = "high"
	LevelCritical AlertLevel = "critical"
)

// Severity collapses the four-step ladder onto the recorded severity.
func (l AlertLevel) Severity() AlertSeverity {
	switch l {
	case LevelCritical:
		return AlertSeverityCritical
	case LevelHigh, LevelMedium:
		return AlertSeverityWarning
	default:
		return AlertSeverityInfo
	}
}

// IssueSeverity grades a tracker ticket by how long the component has been
// down. It is deliberately distinct from AlertSeverity: the two ladders are
// tuned independently.
type IssueSeverity string

const (
	IssueSeverityLow      IssueSeverity = "low"
	IssueSeverityMedium   IssueSeverity = "medium"
	IssueSeverityHigh     IssueSeverity = "high"
	IssueSeverityCritical IssueSeverity = "critical"
)

// Valid reports whether s is one of the known issue severities.
func (s IssueSeverity) Valid() bool {
	switch s {
	case IssueSeverityLow, IssueSeverityMedium, IssueSeverityHigh, IssueSeverityCritical:
		return true
	}
	return false
}

// Rank orders issue severities for the escalation rule. Higher is more
// severe; unknown severities rank lowest.
func (s IssueSeverity) Rank() int {
	switch s {
	case IssueSeverityLow:
		return 1
	case IssueSeverityMedium:
		return 2
	case IssueSeverityHigh:
		return 3
	case IssueSeverityCritical:
		return 4
	}
	return 0
}

// ParseIssueSeverity converts a stored string into an IssueSeverity.
func ParseIssueSeverity(s string) (IssueSeverity, error) {
	sev := IssueSeverity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown issue severity %q", s)
	}
	return sev, nil
}

// TicketLifecycle tracks a ticket record from creation to closure.
type TicketLifecycle string

const (
	TicketCreated       TicketLifecycle = "created"
	TicketLinkedToAlert TicketLifecycle = "linked_to_alert"
	TicketInProgress    TicketLifecycle = "in_progress"
	TicketResolved      TicketLifecycle = "resolved"
	TicketClosed        TicketLifecycle = "closed"
	TicketReopened      TicketLifecycle = "reopened"
)

// Open reports whether the lifecycle state counts as an open ticket for
// duplicate prevention.
func (t TicketLifecycle) Open() bool {
	switch t {
	case TicketCreated, TicketLinkedToAlert, TicketInProgress, TicketReopened:
		return true
	}
	return false
}

// OpenTicketLifecycles returns the states counted as open, for queries.
func OpenTicketLifecycles() []TicketLifecycle {
	return []TicketLifecycle{TicketCreated, TicketLinkedToAlert, TicketInProgress, TicketReopened}
}

// RunStatus is the terminal-or-running state of a scheduler run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed:
		return true
	}
	return false
}
