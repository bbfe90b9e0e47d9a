package ticketing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "less than 1 minute"},
		{"under a minute", 45 * time.Second, "less than 1 minute"},
		{"one minute", time.Minute, "1 minute"},
		{"minutes only", 12 * time.Minute, "12 minutes"},
		{"hour and minute", 61 * time.Minute, "1 hour, 1 minute"},
		{"exact days", 48 * time.Hour, "2 days"},
		{"day and hours", 26 * time.Hour, "1 day, 2 hours"},
		{"day skipping hours", 24*time.Hour + time.Minute, "1 day, 1 minute"},
		{"all units", 25*time.Hour + 30*time.Minute, "1 day, 1 hour, 30 minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ticketing.FormatDuration(tt.d))
		})
	}
}

func TestSeverityForDowntime(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want fleet.IssueSeverity
	}{
		{"week down", 8 * 24 * time.Hour, fleet.IssueSeverityCritical},
		{"exactly seven days", 7 * 24 * time.Hour, fleet.IssueSeverityCritical},
		{"just under seven days", 7*24*time.Hour - time.Minute, fleet.IssueSeverityHigh},
		{"four days", 4 * 24 * time.Hour, fleet.IssueSeverityHigh},
		{"exactly three days", 3 * 24 * time.Hour, fleet.IssueSeverityHigh},
		{"just under three days", 3*24*time.Hour - time.Minute, fleet.IssueSeverityMedium},
		{"hours", 6 * time.Hour, fleet.IssueSeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ticketing.SeverityForDowntime(tt.d))
		})
	}
}

func TestIssueSummaryTitle(t *testing.T) {
	summary, err := ticketing.NewIssueSummary("vessel-001", fleet.RoleServer, 4*24*time.Hour, "3 related alerts in the last 7 days")
	require.NoError(t, err)

	assert.Equal(t, "Vessel vessel-001 - Server Down for 4 days", summary.Title())
	assert.Equal(t, fleet.IssueSeverityHigh, summary.Severity)
}

func TestIssueSummaryDescription(t *testing.T) {
	summary, err := ticketing.NewIssueSummary("vessel-001", fleet.RoleAccessPoint, 4*24*time.Hour, "3 related alerts in the last 7 days")
	require.NoError(t, err)

	want := "Infrastructure Issue Report\n\n" +
		"Vessel ID: vessel-001\n" +
		"Component: Access Point\n" +
		"Downtime Duration: 4 days\n" +
		"Severity: High\n\n" +
		"Historical Context:\n3 related alerts in the last 7 days"
	assert.Equal(t, want, summary.Description())
}

func TestNewIssueSummaryValidation(t *testing.T) {
	_, err := ticketing.NewIssueSummary("", fleet.RoleServer, time.Hour, "context")
	assert.Error(t, err, "empty vessel id")

	_, err = ticketing.NewIssueSummary("vessel-001", fleet.Role("router"), time.Hour, "context")
	assert.Error(t, err, "unknown component")

	_, err = ticketing.NewIssueSummary("vessel-001", fleet.RoleServer, -time.Hour, "context")
	assert.Error(t, err, "negative downtime")

	summary, err := ticketing.NewIssueSummary("vessel-001", fleet.RoleServer, time.Hour, "  ")
	require.NoError(t, err)
	assert.Equal(t, "No historical context available", summary.HistoricalContext)
}
