package collector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/balakumargv-solx/infra-agent/collector"
	"github.com/balakumargv-solx/infra-agent/fleet"
)

func vesselMetrics(id string, comps map[fleet.Role]fleet.ComponentStatus) fleet.VesselMetrics {
	return fleet.VesselMetrics{VesselID: id, Components: comps}
}

func comp(role fleet.Role, uptime float64, status fleet.Status) fleet.ComponentStatus {
	return fleet.ComponentStatus{Role: role, UptimePercentage: uptime, CurrentStatus: status, HasData: true}
}

func TestSummarizeEmpty(t *testing.T) {
	s := collector.Summarize(nil, 95)
	assert.Zero(t, s.TotalVessels)
	assert.Zero(t, s.VesselsOnline)
	assert.Zero(t, s.AverageUptime)
	assert.Zero(t, s.ComponentsBelowSLA)
	assert.Zero(t, s.TotalComponents)
	assert.Zero(t, s.SLAComplianceRate)
}

func TestSummarizeFleet(t *testing.T) {
	metrics := map[string]fleet.VesselMetrics{
		"vessel-1": vesselMetrics("vessel-1", map[fleet.Role]fleet.ComponentStatus{
			fleet.RoleServer:    comp(fleet.RoleServer, 100, fleet.StatusUp),
			fleet.RoleDashboard: comp(fleet.RoleDashboard, 98, fleet.StatusUp),
		}),
		"vessel-2": vesselMetrics("vessel-2", map[fleet.Role]fleet.ComponentStatus{
			fleet.RoleServer: comp(fleet.RoleServer, 40, fleet.StatusDown),
		}),
		"vessel-3": vesselMetrics("vessel-3", map[fleet.Role]fleet.ComponentStatus{
			fleet.RoleAccessPoint: comp(fleet.RoleAccessPoint, 95, fleet.StatusUp),
			fleet.RoleServer:      comp(fleet.RoleServer, 92, fleet.StatusDown),
		}),
	}

	s := collector.Summarize(metrics, 95)

	assert.Equal(t, 3, s.TotalVessels)
	assert.Equal(t, 1, s.VesselsOnline)
	assert.Equal(t, 5, s.TotalComponents)
	assert.Equal(t, 2, s.ComponentsBelowSLA)

	// Vessel averages 99, 40 and 93.5 give a fleet average of 77.5.
	assert.InDelta(t, 77.5, s.AverageUptime, 0.001)
	assert.InDelta(t, 60.0, s.SLAComplianceRate, 0.001)
}

func TestSummarizeBoundaryUptimeIsCompliant(t *testing.T) {
	metrics := map[string]fleet.VesselMetrics{
		"vessel-1": vesselMetrics("vessel-1", map[fleet.Role]fleet.ComponentStatus{
			fleet.RoleServer: comp(fleet.RoleServer, 95, fleet.StatusUp),
		}),
	}

	s := collector.Summarize(metrics, 95)
	assert.Zero(t, s.ComponentsBelowSLA)
	assert.InDelta(t, 100.0, s.SLAComplianceRate, 0.001)
	assert.Equal(t, 1, s.VesselsOnline)
}

func TestSummarizeRoundsToTwoDecimals(t *testing.T) {
	metrics := map[string]fleet.VesselMetrics{
		"vessel-1": vesselMetrics("vessel-1", map[fleet.Role]fleet.ComponentStatus{
			fleet.RoleServer: comp(fleet.RoleServer, 91.666, fleet.StatusUp),
		}),
	}

	s := collector.Summarize(metrics, 95)
	assert.InDelta(t, 91.67, s.AverageUptime, 0.0001)
	assert.Equal(t, 1, s.ComponentsBelowSLA)
	assert.Zero(t, s.SLAComplianceRate)
}

func TestSummarizeVesselWithoutComponents(t *testing.T) {
	metrics := map[string]fleet.VesselMetrics{
		"vessel-1": vesselMetrics("vessel-1", nil),
	}

	s := collector.Summarize(metrics, 95)
	assert.Equal(t, 1, s.TotalVessels)
	assert.Zero(t, s.VesselsOnline)
	assert.Zero(t, s.TotalComponents)
	assert.Zero(t, s.AverageUptime)
	assert.Zero(t, s.SLAComplianceRate)
}
