// Package metrics exposes the agent's Prometheus collectors. Every metric
// hangs off one Metrics value with its own registry; nothing registers
// globally.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/balakumargv-solx/infra-agent/monitor"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

const namespace = "infra_agent"

// Metrics holds the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastRun          prometheus.Gauge
	vessels          *prometheus.CounterVec
	probeRetries     prometheus.Counter
	ticketsCreated   prometheus.Counter
	approvalOutcomes *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New builds the metric set on a fresh registry, including the standard Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitoring_runs_total",
			Help:      "Monitoring cycles executed, by terminal status.",
		}, []string{"status"}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of one monitoring cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the most recently finished monitoring cycle.",
		}),

		vessels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_vessels_total",
			Help:      "Vessels processed across monitoring cycles, by result.",
		}, []string{"result"}),

		probeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_retries_total",
			Help:      "Vessel query attempts retried after transient probe failures.",
		}),

		ticketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_created_total",
			Help:      "Tracker tickets created by the approval workflow.",
		}),

		approvalOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_outcomes_total",
			Help:      "Ticket workflow requests, by terminal outcome.",
		}, []string{"outcome"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Dashboard API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal,
		m.runDuration,
		m.lastRun,
		m.vessels,
		m.probeRetries,
		m.ticketsCreated,
		m.approvalOutcomes,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records one finished monitoring cycle. It implements
// monitor.Observer.
func (m *Metrics) ObserveRun(report *monitor.Report) {
	status := "completed"
	if !report.Success || report.VesselsFailed > 0 {
		status = "failed"
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(float64(report.DurationSeconds))
	m.lastRun.SetToCurrentTime()
	m.vessels.WithLabelValues("success").Add(float64(report.VesselsProcessed))
	m.vessels.WithLabelValues("failure").Add(float64(report.VesselsFailed))
	m.probeRetries.Add(float64(report.RetryAttempts))
}

// RegisterOpenGauges exposes live open-violation and open-alert counts,
// read at scrape time.
func (m *Metrics) RegisterOpenGauges(openViolations, openAlerts func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sla_violations",
			Help:      "SLA violations currently open.",
		}, func() float64 { return float64(openViolations()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_alerts",
			Help:      "Alerts currently open.",
		}, func() float64 { return float64(openAlerts()) }),
	)
}

// InstrumentTicketer counts workflow outcomes around an inner ticketer.
func (m *Metrics) InstrumentTicketer(next monitor.Ticketer) monitor.Ticketer {
	return ticketerFunc(func(ctx context.Context, summary ticketing.IssueSummary, alertID int64) (*ticketing.Outcome, error) {
		out, err := next.CreateWithApproval(ctx, summary, alertID)
		if err == nil && out != nil {
			m.approvalOutcomes.WithLabelValues(string(out.Status)).Inc()
			if out.Status == ticketing.OutcomeCreated {
				m.ticketsCreated.Inc()
			}
		}
		return out, err
	})
}

// InstrumentHandler observes request durations for one route.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	curried := m.httpDuration.MustCurryWith(prometheus.Labels{"route": route})
	return promhttp.InstrumentHandlerDuration(curried, next)
}

type ticketerFunc func(ctx context.Context, summary ticketing.IssueSummary, alertID int64) (*ticketing.Outcome, error)

func (f ticketerFunc) CreateWithApproval(ctx context.Context, summary ticketing.IssueSummary, alertID int64) (*ticketing.Outcome, error) {
	return f(ctx, summary, alertID)
}
