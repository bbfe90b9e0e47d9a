package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/balakumargv-solx/infra-agent/alerting"
	"github.com/balakumargv-solx/infra-agent/approval"
	"github.com/balakumargv-solx/infra-agent/collector"
	"github.com/balakumargv-solx/infra-agent/config"
	"github.com/balakumargv-solx/infra-agent/metrics"
	"github.com/balakumargv-solx/infra-agent/monitor"
	"github.com/balakumargv-solx/infra-agent/probe"
	"github.com/balakumargv-solx/infra-agent/runlog"
	"github.com/balakumargv-solx/infra-agent/scheduler"
	"github.com/balakumargv-solx/infra-agent/server"
	"github.com/balakumargv-solx/infra-agent/sla"
	"github.com/balakumargv-solx/infra-agent/store"
	"github.com/balakumargv-solx/infra-agent/ticketing"
)

const (
	retentionDays     = 90
	retentionInterval = 24 * time.Hour
	auditLogPath      = "approval_audit.jsonl"
	checkTimeout      = 10 * time.Second
)

// targetSource yields the fleet roster and collection targets. The config
// watcher serves live snapshots; a bare *config.Config serves a fixed one.
type targetSource interface {
	VesselIDs() []string
	CollectionTargets() []collector.Target
}

// App wires the agent: durable store, collector, analyzers, ticket and
// approval workflows, scheduler, dashboard API, and the chat webhook
// listener.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	targets targetSource
	watcher *config.Watcher

	store     *store.Store
	runs      *runlog.Logger
	analyzer  *sla.Analyzer
	alerts    *alerting.Manager
	collector *collector.Collector
	workflow  *approval.Workflow
	audit     *approval.AuditLog
	pipeline  *monitor.Pipeline
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	server    *server.Server
	webhook   *http.Server
}

// NewApp builds the agent from a validated configuration. When configPath
// is non-empty the config file is watched and reloads apply on the next
// monitoring cycle.
func NewApp(cfg *config.Config, configPath string, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	ctx := context.Background()

	st, err := store.Open(cfg.DatabasePath, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	if err := st.RecordStartup(ctx, Version); err != nil {
		logger.Warn("Failed to record startup state", "error", err)
	}

	a.targets = cfg
	if configPath != "" {
		w, err := config.NewWatcher(configPath, cfg, config.WithWatcherLogger(logger))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.watcher = w
		a.targets = w
	}

	a.runs = runlog.New(st, runlog.WithLogger(logger))

	a.analyzer = sla.New(st, cfg.SLA(), sla.WithLogger(logger))
	if err := a.analyzer.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore violation cache: %w", err)
	}

	a.alerts = alerting.New(st, cfg.SLA(), alerting.WithLogger(logger))
	if err := a.alerts.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore alert ledger: %w", err)
	}

	a.collector, err = collector.New(a.probeFactory(),
		collector.WithLogger(logger),
		collector.WithSink(a.runs))
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildApproval(); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New()
	a.metrics.RegisterOpenGauges(a.analyzer.TrackedViolations, a.alerts.OpenCount)

	deps := monitor.Deps{
		Targets:   a.targets,
		Collector: a.collector,
		Analyzer:  a.analyzer,
		Alerts:    a.alerts,
		Runs:      a.runs,
		History:   st,
		States:    st,
	}
	if tickets := a.buildTicketing(); tickets != nil {
		deps.Tickets = a.metrics.InstrumentTicketer(tickets)
	} else {
		logger.Warn("Tracker not configured, persistent downtime will not open tickets")
	}

	a.pipeline, err = monitor.New(deps,
		monitor.WithLogger(logger),
		monitor.WithObserver(a.metrics))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler, err = scheduler.New(a.pipeline, scheduler.Config{
		Hour:     cfg.Scheduling.DailyMonitoringHour,
		Minute:   cfg.Scheduling.DailyMonitoringMinute,
		Timezone: cfg.Scheduling.Timezone,
	}, scheduler.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server, err = server.New(server.Config{
		Host:  cfg.WebServer.Host,
		Port:  cfg.WebServer.Port,
		Debug: cfg.WebServer.Debug,
		Credentials: server.Credentials{
			Username: cfg.Dashboard.Username,
			Password: cfg.Dashboard.Password,
		},
	}, server.Deps{
		Fleet:      a.targets,
		Store:      st,
		Runs:       a.runs,
		Params:     a.analyzer,
		Scheduler:  a.scheduler,
		Pipeline:   a.pipeline,
		Metrics:    a.metrics.Handler(),
		Instrument: a.metrics,
	}, server.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.watcher != nil {
		a.watcher.OnReload(a.applyReload)
	}
	return a, nil
}

// probeFactory builds per-vessel probe clients from the current config
// snapshot, so a reloaded vessel map takes effect after collector.Reset.
func (a *App) probeFactory() collector.ClientFactory {
	return func(vesselID string) (collector.Client, error) {
		cfg := a.cfg
		if a.watcher != nil {
			cfg = a.watcher.Current()
		}
		pc, err := cfg.ProbeConfig(vesselID)
		if err != nil {
			return nil, err
		}
		return probe.NewClient(pc, probe.WithLogger(a.logger))
	}
}

// buildApproval assembles the approval workflow, its audit trail, the chat
// notifier, and the inbound webhook listener.
func (a *App) buildApproval() error {
	audit, err := approval.OpenAuditLog(auditLogPath)
	if err != nil {
		a.logger.Warn("Approval audit log unavailable", "error", err)
	} else {
		a.audit = audit
	}

	var notifier approval.Notifier = approval.NewLogNotifier(a.logger)
	if chat := a.cfg.Chat; chat != nil {
		sn, err := approval.NewSlackNotifier(approval.SlackConfig{
			WebhookURL: chat.WebhookURL,
			Channel:    chat.Channel,
			Username:   chat.Username,
			IconEmoji:  chat.IconEmoji,
		}, approval.WithSlackLogger(a.logger))
		if err != nil {
			return fmt.Errorf("chat notifier: %w", err)
		}
		notifier = sn
	}

	a.workflow = approval.New(
		approval.WithNotifier(notifier),
		approval.WithAudit(a.audit),
		approval.WithLogger(a.logger))

	if chat := a.cfg.Chat; chat != nil {
		handler := approval.NewWebhookHandler(a.workflow, chat.SigningSecret,
			approval.WithWebhookLogger(a.logger))
		r := chi.NewRouter()
		r.Mount("/slack", handler.Routes())
		a.webhook = &http.Server{
			Addr:    net.JoinHostPort("", strconv.Itoa(chat.WebhookPort)),
			Handler: r,
		}
	}
	return nil
}

// buildTicketing assembles the tracker client and the approval-gated
// ticket manager. Returns nil when no tracker is configured.
func (a *App) buildTicketing() monitor.Ticketer {
	tr := a.cfg.Tracker
	if tr == nil {
		return nil
	}
	tracker, err := ticketing.NewTracker(ticketing.TrackerConfig{
		URL:        tr.URL,
		Username:   tr.Username,
		APIToken:   tr.APIToken,
		ProjectKey: tr.ProjectKey,
		IssueType:  tr.IssueType,
	}, ticketing.WithTrackerLogger(a.logger))
	if err != nil {
		a.logger.Error("Tracker client unavailable", "error", err)
		return nil
	}
	return ticketing.NewManager(tracker, a.workflow, a.store,
		ticketing.WithLogger(a.logger),
		ticketing.WithAlertMarker(a.alerts))
}

// Run operates the agent until ctx is cancelled: scheduler, dashboard API,
// chat webhook listener, approval sweeper, config watcher, and the daily
// retention pass.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.runs.FailStaleRuns(ctx); err != nil {
		a.logger.Warn("Stale run recovery failed", "error", err)
	} else if n > 0 {
		a.logger.Info("Closed stale scheduler runs", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.workflow.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.runRetention(ctx) })

	if a.webhook != nil {
		g.Go(func() error { return a.runWebhook(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	g.Go(func() error {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("Daily scheduler started",
			"next_run", a.scheduler.NextRunTime().Format(time.RFC3339))
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.scheduler.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunOnce executes a single monitoring cycle with the approval machinery
// live for its duration.
func (a *App) RunOnce(ctx context.Context) (*monitor.Report, error) {
	if _, err := a.runs.FailStaleRuns(ctx); err != nil {
		a.logger.Warn("Stale run recovery failed", "error", err)
	}

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.workflow.Run(bg) }()
	if a.webhook != nil {
		go func() { _ = a.runWebhook(bg) }()
	}

	return a.pipeline.Run(ctx)
}

// runWebhook serves the chat callback listener until ctx is cancelled.
func (a *App) runWebhook(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Chat webhook listener starting", "addr", a.webhook.Addr)
		if err := a.webhook.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.webhook.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("webhook shutdown: %w", err)
	}
	return <-errCh
}

// runRetention prunes aged records once at startup and then daily.
func (a *App) runRetention(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	a.cleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.cleanup(ctx)
		}
	}
}

func (a *App) cleanup(ctx context.Context) {
	counts, err := a.store.Cleanup(ctx, retentionDays)
	if err != nil {
		a.logger.Warn("Record retention pass failed", "error", err)
	} else {
		a.logger.Info("Record retention pass complete",
			"component_rows", counts.ComponentStatus,
			"violations", counts.Violations,
			"alerts", counts.Alerts,
			"tickets", counts.Tickets)
	}
	if n, err := a.runs.CleanupOldRuns(ctx, retentionDays); err != nil {
		a.logger.Warn("Run retention pass failed", "error", err)
	} else if n > 0 {
		a.logger.Info("Old scheduler runs pruned", "count", n)
	}
}

// applyReload pushes a new configuration snapshot into the running
// components. Bind-time settings need a restart and only log.
func (a *App) applyReload(next *config.Config) {
	params := next.SLA()
	a.analyzer.SetParameters(params)
	a.alerts.SetParameters(params)
	a.collector.Reset()

	if err := a.scheduler.UpdateSchedule(scheduler.Config{
		Hour:     next.Scheduling.DailyMonitoringHour,
		Minute:   next.Scheduling.DailyMonitoringMinute,
		Timezone: next.Scheduling.Timezone,
	}); err != nil {
		a.logger.Error("Schedule update rejected", "error", err)
	}

	if next.DatabasePath != a.cfg.DatabasePath {
		a.logger.Warn("database_path changed, restart required to take effect")
	}
	if next.WebServer != a.cfg.WebServer {
		a.logger.Warn("web_server settings changed, restart required to take effect")
	}
	a.logger.Info("Configuration reloaded", "vessels", len(next.VesselDatabases))
}

// Close releases the store and the audit log.
func (a *App) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("Audit log close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Store close failed", "error", err)
		}
	}
}

// runCheck verifies the configuration, opens and validates the store, and
// tests connectivity to every vessel database.
func runCheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	fmt.Println("✓ Configuration valid")
	fmt.Printf("  vessels: %d, tracker: %v, chat: %v\n",
		len(cfg.VesselDatabases), cfg.Tracker != nil, cfg.Chat != nil)

	st, err := store.Open(cfg.DatabasePath, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	fmt.Printf("✓ Database schema valid (%s)\n", cfg.DatabasePath)

	col, err := collector.New(func(vesselID string) (collector.Client, error) {
		pc, err := cfg.ProbeConfig(vesselID)
		if err != nil {
			return nil, err
		}
		return probe.NewClient(pc, probe.WithLogger(logger))
	}, collector.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout*time.Duration(len(cfg.VesselDatabases)))
	defer cancel()

	results := col.TestConnections(ctx, cfg.CollectionTargets())
	failed := 0
	for _, id := range cfg.VesselIDs() {
		if results[id] {
			fmt.Printf("✓ Vessel %s reachable\n", id)
		} else {
			fmt.Printf("✗ Vessel %s unreachable\n", id)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d vessels unreachable", failed, len(results))
	}
	return nil
}
