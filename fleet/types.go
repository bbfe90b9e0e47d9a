// Package fleet defines the vessel-fleet domain model: component roles,
// device and component statuses, ping samples, and the pure roll-up
// derivations that turn raw samples into per-run vessel metrics.
package fleet

import (
	"fmt"
	"time"
)

// Role identifies one of the monitored component classes on a vessel.
// Each role maps to a fixed set of device IPs in the vessel configuration.
type Role string

const (
	// RoleAccessPoint covers the wireless access points on a vessel.
	RoleAccessPoint Role = "access_point"

	// RoleDashboard covers the crew-facing dashboard endpoints.
	RoleDashboard Role = "dashboard"

	// RoleServer covers the on-board application servers.
	RoleServer Role = "server"
)

// AllRoles returns the monitored roles in stable order.
func AllRoles() []Role {
	return []Role{RoleAccessPoint, RoleDashboard, RoleServer}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAccessPoint, RoleDashboard, RoleServer:
		return true
	}
	return false
}

// ParseRole converts a stored or configured string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown component role %q", s)
	}
	return r, nil
}

// DisplayName returns the human-readable name used in alerts and tickets.
func (r Role) DisplayName() string {
	switch r {
	case RoleAccessPoint:
		return "Access Point"
	case RoleDashboard:
		return "Dashboard"
	case RoleServer:
		return "Server"
	}
	return string(r)
}

// Status is the observed state of a device or component.
type Status string

const (
	// StatusUp means the most recent observation succeeded.
	StatusUp Status = "up"

	// StatusDown means the most recent observation failed.
	StatusDown Status = "down"

	// StatusUnknown means there were no observations in the window.
	StatusUnknown Status = "unknown"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusUnknown:
		return true
	}
	return false
}

// PingSample is one ping observation for a device, already reduced to a
// success verdict (result_code == 0 and packet loss below 100%).
type PingSample struct {
	DeviceIP  string    `json:"device_ip"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// PingData is the result of one probe query: every configured device IP of
// the role is present as a key, with its samples ordered oldest first.
// Devices without samples in the window map to an empty slice.
type PingData struct {
	VesselID    string                  `json:"vessel_id"`
	Role        Role                    `json:"role"`
	WindowHours int                     `json:"window_hours"`
	Devices     map[string][]PingSample `json:"devices"`
}

// DeviceStatus is the derived per-device view over the monitoring window.
type DeviceStatus struct {
	IP                string        `json:"ip"`
	Role              Role          `json:"role"`
	UptimePercentage  float64       `json:"uptime_percentage"`
	CurrentStatus     Status        `json:"current_status"`
	DowntimeAging     time.Duration `json:"downtime_aging"`
	LastPingTime      time.Time     `json:"last_ping_time"`
	TotalSamples      int           `json:"total_samples"`
	SuccessfulSamples int           `json:"successful_samples"`
	HasData           bool          `json:"has_data"`
}

// ComponentStatus aggregates the devices of one role on one vessel.
type ComponentStatus struct {
	Role             Role           `json:"role"`
	Devices          []DeviceStatus `json:"devices"`
	UptimePercentage float64        `json:"uptime_percentage"`
	CurrentStatus    Status         `json:"current_status"`
	DowntimeAging    time.Duration  `json:"downtime_aging"`
	HasData          bool           `json:"has_data"`
}

// UpDevices counts the devices currently reported UP.
func (c ComponentStatus) UpDevices() int {
	n := 0
	for _, d := range c.Devices {
		if d.CurrentStatus == StatusUp {
			n++
		}
	}
	return n
}

// VesselMetrics is the full derived snapshot for one vessel in one run.
type VesselMetrics struct {
	VesselID   string                   `json:"vessel_id"`
	Components map[Role]ComponentStatus `json:"components"`
	Timestamp  time.Time                `json:"timestamp"`
}

// Component returns the status for one role and whether it was collected.
func (m VesselMetrics) Component(role Role) (ComponentStatus, bool) {
	c, ok := m.Components[role]
	return c, ok
}
