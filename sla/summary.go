package sla

import (
	"math"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

// Summary aggregates fleet-wide compliance for one analysis pass.
type Summary struct {
	TotalVessels          int     `json:"total_vessels"`
	TotalComponents       int     `json:"total_components"`
	CompliantComponents   int     `json:"compliant_components"`
	ViolationComponents   int     `json:"violation_components"`
	ComplianceRate        float64 `json:"fleet_compliance_rate"`
	AverageUptime         float64 `json:"average_uptime"`
	VesselsWithViolations int     `json:"vessels_with_violations"`
	VesselsFullyCompliant int     `json:"vessels_fully_compliant"`
}

// RoleBreakdown aggregates compliance for one component role across the
// fleet.
type RoleBreakdown struct {
	Role           fleet.Role `json:"role"`
	Total          int        `json:"total_count"`
	Compliant      int        `json:"compliant_count"`
	Violations     int        `json:"violation_count"`
	ComplianceRate float64    `json:"compliance_rate"`
	AverageUptime  float64    `json:"average_uptime"`
}

// Summarize folds per-component assessments into fleet statistics.
func Summarize(assessments []Assessment) Summary {
	if len(assessments) == 0 {
		return Summary{}
	}

	var s Summary
	var totalUptime float64
	violating := make(map[string]bool)

	for _, as := range assessments {
		s.TotalComponents++
		totalUptime += as.UptimePercentage

		if _, seen := violating[as.VesselID]; !seen {
			violating[as.VesselID] = false
		}
		if as.Compliant {
			s.CompliantComponents++
		} else {
			s.ViolationComponents++
			violating[as.VesselID] = true
		}
	}

	s.TotalVessels = len(violating)
	for _, hasViolation := range violating {
		if hasViolation {
			s.VesselsWithViolations++
		}
	}
	s.VesselsFullyCompliant = s.TotalVessels - s.VesselsWithViolations

	s.ComplianceRate = round2(float64(s.CompliantComponents) / float64(s.TotalComponents) * 100)
	s.AverageUptime = round2(totalUptime / float64(s.TotalComponents))
	return s
}

// BreakdownByRole aggregates assessments per component role, in role order.
func BreakdownByRole(assessments []Assessment) []RoleBreakdown {
	byRole := make(map[fleet.Role]*RoleBreakdown)
	uptime := make(map[fleet.Role]float64)

	for _, as := range assessments {
		b, ok := byRole[as.Role]
		if !ok {
			b = &RoleBreakdown{Role: as.Role}
			byRole[as.Role] = b
		}
		b.Total++
		uptime[as.Role] += as.UptimePercentage
		if as.Compliant {
			b.Compliant++
		} else {
			b.Violations++
		}
	}

	out := make([]RoleBreakdown, 0, len(byRole))
	for _, role := range fleet.AllRoles() {
		b, ok := byRole[role]
		if !ok {
			continue
		}
		b.ComplianceRate = round2(float64(b.Compliant) / float64(b.Total) * 100)
		b.AverageUptime = round2(uptime[role] / float64(b.Total))
		out = append(out, *b)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
