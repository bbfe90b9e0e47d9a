package sla_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/sla"
	"github.com/balakumargv-solx/infra-agent/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var analysisTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeViolationStore struct {
	mu       sync.Mutex
	nextID   int64
	existing []store.ViolationRecord
	opened   []store.ViolationRecord
	closed   []int64
	failFor  string
}

func (f *fakeViolationStore) OpenViolations(ctx context.Context) ([]store.ViolationRecord, error) {
	return f.existing, nil
}

func (f *fakeViolationStore) OpenViolation(ctx context.Context, rec *store.ViolationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.VesselID == f.failFor {
		return errors.New("database is locked")
	}
	f.nextID++
	rec.ID = f.nextID
	f.opened = append(f.opened, *rec)
	return nil
}

func (f *fakeViolationStore) CloseViolation(ctx context.Context, id int64, end time.Time) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return 6 * time.Hour, nil
}

func metricsFor(vesselID string, cs fleet.ComponentStatus) fleet.VesselMetrics {
	return fleet.VesselMetrics{
		VesselID:   vesselID,
		Timestamp:  analysisTime,
		Components: map[fleet.Role]fleet.ComponentStatus{cs.Role: cs},
	}
}

func TestAssess(t *testing.T) {
	a := sla.New(&fakeViolationStore{}, sla.DefaultParameters())

	tests := []struct {
		name          string
		cs            fleet.ComponentStatus
		wantCompliant bool
		wantViolation time.Duration
	}{
		{
			name: "exactly at threshold is compliant",
			cs: fleet.ComponentStatus{
				Role:             fleet.RoleServer,
				UptimePercentage: 95.0,
				CurrentStatus:    fleet.StatusUp,
			},
			wantCompliant: true,
		},
		{
			name: "down component uses downtime aging",
			cs: fleet.ComponentStatus{
				Role:             fleet.RoleServer,
				UptimePercentage: 40,
				CurrentStatus:    fleet.StatusDown,
				DowntimeAging:    26 * time.Hour,
			},
			wantViolation: 26 * time.Hour,
		},
		{
			name: "up but lossy uses window share",
			cs: fleet.ComponentStatus{
				Role:             fleet.RoleServer,
				UptimePercentage: 90,
				CurrentStatus:    fleet.StatusUp,
			},
			// 10% of a 24h window.
			wantViolation: 2*time.Hour + 24*time.Minute,
		},
		{
			name: "no data is a violation with zero duration",
			cs: fleet.ComponentStatus{
				Role:             fleet.RoleServer,
				UptimePercentage: 0,
				CurrentStatus:    fleet.StatusUnknown,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			as := a.Assess("vessel-alpha", tc.cs)
			assert.Equal(t, tc.wantCompliant, as.Compliant)
			assert.InDelta(t, tc.wantViolation.Seconds(), as.ViolationDuration.Seconds(), 1)
		})
	}
}

func TestViolationLifecycle(t *testing.T) {
	fake := &fakeViolationStore{}
	a := sla.New(fake, sla.DefaultParameters())
	ctx := context.Background()

	down := metricsFor("vessel-alpha", fleet.ComponentStatus{
		Role:             fleet.RoleServer,
		UptimePercentage: 40,
		CurrentStatus:    fleet.StatusDown,
		DowntimeAging:    26 * time.Hour,
	})

	first, err := a.AnalyzeVessel(ctx, down)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].Opened)
	assert.Equal(t, int64(1), first[0].ViolationID)

	require.Len(t, fake.opened, 1)
	assert.True(t, fake.opened[0].ViolationStart.Equal(analysisTime.Add(-26*time.Hour)))
	require.NotNil(t, fake.opened[0].DurationSeconds)
	assert.Equal(t, int64(26*3600), *fake.opened[0].DurationSeconds)

	// Re-analysis of the same state opens nothing further.
	second, err := a.AnalyzeVessel(ctx, down)
	require.NoError(t, err)
	assert.False(t, second[0].Opened)
	assert.Equal(t, int64(1), second[0].ViolationID)
	assert.Len(t, fake.opened, 1)
	assert.Equal(t, 1, a.TrackedViolations())

	// Recovery closes it.
	up := metricsFor("vessel-alpha", fleet.ComponentStatus{
		Role:             fleet.RoleServer,
		UptimePercentage: 99,
		CurrentStatus:    fleet.StatusUp,
	})
	third, err := a.AnalyzeVessel(ctx, up)
	require.NoError(t, err)
	assert.True(t, third[0].Closed)
	assert.Equal(t, 6*time.Hour, third[0].ClosedDuration)
	assert.Equal(t, []int64{1}, fake.closed)
	assert.Equal(t, 0, a.TrackedViolations())

	// Still compliant: nothing left to close.
	fourth, err := a.AnalyzeVessel(ctx, up)
	require.NoError(t, err)
	assert.False(t, fourth[0].Closed)
	assert.Len(t, fake.closed, 1)
}

func TestRestoreTracksExistingViolations(t *testing.T) {
	fake := &fakeViolationStore{
		existing: []store.ViolationRecord{
			{ID: 41, VesselID: "vessel-alpha", Role: fleet.RoleDashboard},
		},
		nextID: 100,
	}
	a := sla.New(fake, sla.DefaultParameters())
	ctx := context.Background()

	require.NoError(t, a.Restore(ctx))
	assert.Equal(t, 1, a.TrackedViolations())

	// Still down: the restored violation is reused, not duplicated.
	down := metricsFor("vessel-alpha", fleet.ComponentStatus{
		Role:             fleet.RoleDashboard,
		UptimePercentage: 10,
		CurrentStatus:    fleet.StatusDown,
		DowntimeAging:    50 * time.Hour,
	})
	out, err := a.AnalyzeVessel(ctx, down)
	require.NoError(t, err)
	assert.Empty(t, fake.opened)
	assert.Equal(t, int64(41), out[0].ViolationID)

	// Recovery closes the restored id.
	up := metricsFor("vessel-alpha", fleet.ComponentStatus{
		Role:             fleet.RoleDashboard,
		UptimePercentage: 100,
		CurrentStatus:    fleet.StatusUp,
	})
	_, err = a.AnalyzeVessel(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, []int64{41}, fake.closed)
}

func TestAnalyzeFleetContinuesOnError(t *testing.T) {
	fake := &fakeViolationStore{failFor: "vessel-bad"}
	a := sla.New(fake, sla.DefaultParameters())

	downServer := fleet.ComponentStatus{
		Role:             fleet.RoleServer,
		UptimePercentage: 10,
		CurrentStatus:    fleet.StatusDown,
		DowntimeAging:    time.Hour,
	}
	metrics := []fleet.VesselMetrics{
		metricsFor("vessel-bad", downServer),
		metricsFor("vessel-good", downServer),
	}

	out := a.AnalyzeFleet(context.Background(), metrics)
	require.Len(t, out, 1)
	assert.Equal(t, "vessel-good", out[0].VesselID)
	assert.True(t, out[0].Opened)
}

func TestPersistentViolations(t *testing.T) {
	a := sla.New(&fakeViolationStore{}, sla.DefaultParameters())

	assessments := []sla.Assessment{
		{VesselID: "vessel-a", Role: fleet.RoleServer, ViolationDuration: 4 * 24 * time.Hour},
		{VesselID: "vessel-b", Role: fleet.RoleServer, ViolationDuration: 2 * 24 * time.Hour},
		{VesselID: "vessel-c", Role: fleet.RoleServer, Compliant: true},
		// Boundary: exactly at the threshold qualifies.
		{VesselID: "vessel-d", Role: fleet.RoleServer, ViolationDuration: 3 * 24 * time.Hour},
	}

	got := a.PersistentViolations(assessments)
	require.Len(t, got, 2)
	assert.Equal(t, "vessel-a", got[0].VesselID)
	assert.Equal(t, "vessel-d", got[1].VesselID)
}

func TestSummarize(t *testing.T) {
	assessments := []sla.Assessment{
		{VesselID: "vessel-a", Role: fleet.RoleServer, Compliant: true, UptimePercentage: 100},
		{VesselID: "vessel-a", Role: fleet.RoleDashboard, Compliant: false, UptimePercentage: 50},
		{VesselID: "vessel-b", Role: fleet.RoleServer, Compliant: true, UptimePercentage: 98},
	}

	s := sla.Summarize(assessments)
	assert.Equal(t, 2, s.TotalVessels)
	assert.Equal(t, 3, s.TotalComponents)
	assert.Equal(t, 2, s.CompliantComponents)
	assert.Equal(t, 1, s.ViolationComponents)
	assert.Equal(t, 1, s.VesselsWithViolations)
	assert.Equal(t, 1, s.VesselsFullyCompliant)
	assert.InDelta(t, 66.67, s.ComplianceRate, 0.01)
	assert.InDelta(t, 82.67, s.AverageUptime, 0.01)

	assert.Equal(t, sla.Summary{}, sla.Summarize(nil))
}

func TestBreakdownByRole(t *testing.T) {
	assessments := []sla.Assessment{
		{VesselID: "vessel-a", Role: fleet.RoleServer, Compliant: true, UptimePercentage: 100},
		{VesselID: "vessel-a", Role: fleet.RoleDashboard, Compliant: false, UptimePercentage: 50},
		{VesselID: "vessel-b", Role: fleet.RoleServer, Compliant: true, UptimePercentage: 98},
	}

	br := sla.BreakdownByRole(assessments)
	require.Len(t, br, 2)

	assert.Equal(t, fleet.RoleDashboard, br[0].Role)
	assert.Equal(t, 1, br[0].Violations)
	assert.InDelta(t, 0.0, br[0].ComplianceRate, 0.01)

	assert.Equal(t, fleet.RoleServer, br[1].Role)
	assert.Equal(t, 2, br[1].Compliant)
	assert.InDelta(t, 100.0, br[1].ComplianceRate, 0.01)
	assert.InDelta(t, 99.0, br[1].AverageUptime, 0.01)
}
