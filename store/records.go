package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// ComponentStatusRecord is one row of component_status_history: the derived
// state of a (vessel, role) pair as observed by one run.
type ComponentStatusRecord struct {
	ID                   int64        `db:"id" json:"id"`
	VesselID             string       `db:"vessel_id" json:"vessel_id"`
	Role                 fleet.Role   `db:"component_type" json:"component_type"`
	UptimePercentage     float64      `db:"uptime_percentage" json:"uptime_percentage"`
	CurrentStatus        fleet.Status `db:"current_status" json:"current_status"`
	DowntimeAgingSeconds int64        `db:"downtime_aging_seconds" json:"downtime_aging_seconds"`
	LastPingTime         *time.Time   `db:"last_ping_time" json:"last_ping_time,omitempty"`
	RecordedAt           time.Time    `db:"recorded_at" json:"recorded_at"`
}

// ViolationRecord is one row of sla_violation_history. An open violation has
// no end and Resolved false; closing sets both plus the total duration.
type ViolationRecord struct {
	ID               int64      `db:"id" json:"id"`
	VesselID         string     `db:"vessel_id" json:"vessel_id"`
	Role             fleet.Role `db:"component_type" json:"component_type"`
	ViolationStart   time.Time  `db:"violation_start" json:"violation_start"`
	ViolationEnd     *time.Time `db:"violation_end" json:"violation_end,omitempty"`
	UptimePercentage float64    `db:"uptime_percentage" json:"uptime_percentage"`
	DurationSeconds  *int64     `db:"violation_duration_seconds" json:"violation_duration_seconds,omitempty"`
	Resolved         bool       `db:"is_resolved" json:"is_resolved"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// AlertRecord is one row of alert_history. Metadata is a JSON object with
// kind-specific context (uptime, downtime hours, level, ticket key).
type AlertRecord struct {
	ID         int64               `db:"id" json:"id"`
	VesselID   string              `db:"vessel_id" json:"vessel_id"`
	Role       fleet.Role          `db:"component_type" json:"component_type"`
	Kind       fleet.AlertKind     `db:"alert_type" json:"alert_type"`
	Severity   fleet.AlertSeverity `db:"severity" json:"severity"`
	Message    string              `db:"message" json:"message"`
	Metadata   JSONMap             `db:"metadata" json:"metadata,omitempty"`
	Resolved   bool                `db:"is_resolved" json:"is_resolved"`
	CreatedAt  time.Time           `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Ticket is one row of tickets: the local mirror of a tracker issue used for
// duplicate prevention and the dashboard.
type Ticket struct {
	ID              int64      `db:"id" json:"id"`
	TrackerKey      string     `db:"tracker_key" json:"tracker_key"`
	VesselID        string     `db:"vessel_id" json:"vessel_id"`
	Role            fleet.Role `db:"component_type" json:"component_type"`
	Summary         string     `db:"issue_summary" json:"issue_summary"`
	TrackerStatus   string     `db:"ticket_status" json:"ticket_status"`
	DowntimeSeconds int64      `db:"downtime_duration_seconds" json:"downtime_duration_seconds"`
	AlertID         *int64     `db:"alert_id" json:"alert_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TicketRecord is one row of ticket_records: the workflow-side lifecycle
// view of a ticket, carrying its linked alerts and resolution notes.
type TicketRecord struct {
	ID              int64                 `db:"id" json:"id"`
	TrackerKey      string                `db:"tracker_key" json:"tracker_key"`
	TrackerID       string                `db:"tracker_id" json:"tracker_id"`
	VesselID        string                `db:"vessel_id" json:"vessel_id"`
	Role            fleet.Role            `db:"component_type" json:"component_type"`
	Severity        fleet.IssueSeverity   `db:"issue_severity" json:"issue_severity"`
	Lifecycle       fleet.TicketLifecycle `db:"lifecycle_status" json:"lifecycle_status"`
	CreatedAt       time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time             `db:"updated_at" json:"updated_at"`
	AlertIDs        Int64List             `db:"alert_ids" json:"alert_ids"`
	DowntimeSeconds int64                 `db:"downtime_duration_seconds" json:"downtime_duration_seconds"`
	Context         string                `db:"historical_context" json:"historical_context"`
	ResolutionNotes *string               `db:"resolution_notes" json:"resolution_notes,omitempty"`
}

// StateRecord is one row of system_state: a typed key/value checkpoint used
// for crash recovery.
type StateRecord struct {
	Key       string    `db:"state_key" json:"key"`
	Value     string    `db:"state_value" json:"value"`
	Type      StateType `db:"state_type" json:"type"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StateType names the serialization applied to a system_state value.
type StateType string

const (
	StateString StateType = "string"
	StateTime   StateType = "datetime"
	StateJSON   StateType = "json"
)

// RunRecord is one row of scheduler_runs.
type RunRecord struct {
	ID                string          `db:"id" json:"id"`
	StartTime         time.Time       `db:"start_time" json:"start_time"`
	EndTime           *time.Time      `db:"end_time" json:"end_time,omitempty"`
	TotalVessels      int             `db:"total_vessels" json:"total_vessels"`
	SuccessfulVessels int             `db:"successful_vessels" json:"successful_vessels"`
	FailedVessels     int             `db:"failed_vessels" json:"failed_vessels"`
	RetryAttempts     int             `db:"retry_attempts" json:"retry_attempts"`
	Status            fleet.RunStatus `db:"status" json:"status"`
	DurationSeconds   *int64          `db:"duration_seconds" json:"duration_seconds,omitempty"`
	ErrorMessage      *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// VesselResultRecord is one row of scheduler_vessel_results: the outcome of
// a single query attempt against one vessel within a run.
type VesselResultRecord struct {
	ID              int64     `db:"id" json:"id"`
	RunID           string    `db:"run_id" json:"run_id"`
	VesselID        string    `db:"vessel_id" json:"vessel_id"`
	AttemptNumber   int       `db:"attempt_number" json:"attempt_number"`
	Success         bool      `db:"success" json:"success"`
	QueryDurationMS int64     `db:"query_duration_ms" json:"query_duration_ms"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
	Timestamp       time.Time `db:"timestamp" json:"timestamp"`
}

// Int64List stores a list of row ids as a JSON array column.
type Int64List []int64

func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal id list: %w", err)
	}
	return string(b), nil
}

func (l *Int64List) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return l.unmarshal([]byte(v))
	case []byte:
		return l.unmarshal(v)
	default:
		return fmt.Errorf("cannot scan %T into Int64List", src)
	}
}

func (l *Int64List) unmarshal(b []byte) error {
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// Contains reports whether id is already in the list.
func (l Int64List) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// JSONMap stores an arbitrary JSON object column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}
