package collector

import (
	"math"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// FleetSummary condenses one collection into the fleet-wide health figures
// shown on the dashboard overview.
type FleetSummary struct {
	TotalVessels       int     `json:"total_vessels"`
	VesselsOnline      int     `json:"vessels_online"`
	AverageUptime      float64 `json:"average_uptime"`
	ComponentsBelowSLA int     `json:"components_below_sla"`
	TotalComponents    int     `json:"total_components"`
	SLAComplianceRate  float64 `json:"sla_compliance_rate"`
}

// Summarize derives the fleet figures from collected metrics. A vessel is
// online when every one of its components is up; a component counts against
// compliance when its uptime sits strictly below the threshold. Vessels
// without components are never online and carry no uptime weight.
func Summarize(metrics map[string]fleet.VesselMetrics, slaThreshold float64) FleetSummary {
	s := FleetSummary{TotalVessels: len(metrics)}

	var uptimeSum float64
	var uptimeCount int
	for _, m := range metrics {
		online := len(m.Components) > 0
		var vesselSum float64
		for _, comp := range m.Components {
			s.TotalComponents++
			if comp.UptimePercentage < slaThreshold {
				s.ComponentsBelowSLA++
			}
			if comp.CurrentStatus != fleet.StatusUp {
				online = false
			}
			vesselSum += comp.UptimePercentage
		}
		if online {
			s.VesselsOnline++
		}
		if len(m.Components) > 0 {
			uptimeSum += vesselSum / float64(len(m.Components))
			uptimeCount++
		}
	}

	if uptimeCount > 0 {
		s.AverageUptime = round2(uptimeSum / float64(uptimeCount))
	}
	if s.TotalComponents > 0 {
		compliant := s.TotalComponents - s.ComponentsBelowSLA
		s.SLAComplianceRate = round2(float64(compliant) / float64(s.TotalComponents) * 100)
	}
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
