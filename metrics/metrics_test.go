package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakumargv-solx/infra-agent/metrics"
	"github.com/balakumargv-solx/infra-agent/monitor"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

// metricValue pulls one sample out of the exposition body. Pass the full
// series name, labels included.
func metricValue(t *testing.T, body, series string) float64 {
	t.Helper()

	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, series+" ") {
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, series+" "), 64)
			require.NoError(t, err)
			return v
		}
	}
	t.Fatalf("series %s not found in scrape", series)
	return 0
}

type stubTicketer struct {
	out *ticketing.Outcome
	err error
}

func (s *stubTicketer) CreateWithApproval(_ context.Context, _ ticketing.IssueSummary, _ int64) (*ticketing.Outcome, error) {
	return s.out, s.err
}

func TestObserveRun(t *testing.T) {
	m := metrics.New()

	m.ObserveRun(&monitor.Report{
		Success:          true,
		VesselsProcessed: 3,
		VesselsFailed:    1,
		RetryAttempts:    2,
		DurationSeconds:  45,
	})
	m.ObserveRun(&monitor.Report{
		Success:          true,
		VesselsProcessed: 2,
		DurationSeconds:  12,
	})

	body := scrape(t, m)

	// A run with vessel failures counts as failed even when every step ran.
	assert.InDelta(t, 1, metricValue(t, body, `infra_agent_monitoring_runs_total{status="failed"}`), 0)
	assert.InDelta(t, 1, metricValue(t, body, `infra_agent_monitoring_runs_total{status="completed"}`), 0)

	assert.InDelta(t, 5, metricValue(t, body, `infra_agent_run_vessels_total{result="success"}`), 0)
	assert.InDelta(t, 1, metricValue(t, body, `infra_agent_run_vessels_total{result="failure"}`), 0)
	assert.InDelta(t, 2, metricValue(t, body, "infra_agent_probe_retries_total"), 0)

	assert.InDelta(t, 2, metricValue(t, body, "infra_agent_run_duration_seconds_count"), 0)
	assert.InDelta(t, 57, metricValue(t, body, "infra_agent_run_duration_seconds_sum"), 0)

	last := metricValue(t, body, "infra_agent_last_run_timestamp_seconds")
	assert.InDelta(t, float64(time.Now().Unix()), last, 5)

	// Runtime collectors ride along on the same registry.
	assert.Contains(t, body, "go_goroutines")
}

func TestRegisterOpenGauges(t *testing.T) {
	m := metrics.New()

	violations := 3
	alerts := 2
	m.RegisterOpenGauges(
		func() int { return violations },
		func() int { return alerts },
	)

	body := scrape(t, m)
	assert.InDelta(t, 3, metricValue(t, body, "infra_agent_open_sla_violations"), 0)
	assert.InDelta(t, 2, metricValue(t, body, "infra_agent_open_alerts"), 0)

	// Gauges read the live values at scrape time.
	violations = 5
	alerts = 0

	body = scrape(t, m)
	assert.InDelta(t, 5, metricValue(t, body, "infra_agent_open_sla_violations"), 0)
	assert.InDelta(t, 0, metricValue(t, body, "infra_agent_open_alerts"), 0)
}

func TestInstrumentTicketer(t *testing.T) {
	m := metrics.New()
	summary := ticketing.IssueSummary{VesselID: "vessel-a"}

	created := m.InstrumentTicketer(&stubTicketer{
		out: &ticketing.Outcome{Status: ticketing.OutcomeCreated, TicketKey: "INFRA-1"},
	})
	out, err := created.CreateWithApproval(context.Background(), summary, 7)
	require.NoError(t, err)
	require.Equal(t, ticketing.OutcomeCreated, out.Status)

	rejected := m.InstrumentTicketer(&stubTicketer{
		out: &ticketing.Outcome{Status: ticketing.OutcomeRejected},
	})
	_, err = rejected.CreateWithApproval(context.Background(), summary, 8)
	require.NoError(t, err)

	failing := m.InstrumentTicketer(&stubTicketer{err: context.DeadlineExceeded})
	_, err = failing.CreateWithApproval(context.Background(), summary, 9)
	require.Error(t, err)

	body := scrape(t, m)
	assert.InDelta(t, 1, metricValue(t, body, `infra_agent_approval_outcomes_total{outcome="created"}`), 0)
	assert.InDelta(t, 1, metricValue(t, body, `infra_agent_approval_outcomes_total{outcome="rejected"}`), 0)

	// Only created outcomes count as tickets; errors count nothing.
	assert.InDelta(t, 1, metricValue(t, body, "infra_agent_tickets_created_total"), 0)
}

func TestInstrumentHandler(t *testing.T) {
	m := metrics.New()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := m.InstrumentHandler("/api/fleet-overview", inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fleet-overview", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := scrape(t, m)
	series := `infra_agent_http_request_duration_seconds_count{code="200",method="get",route="/api/fleet-overview"}`
	assert.InDelta(t, 1, metricValue(t, body, series), 0)
}
