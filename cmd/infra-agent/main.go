// Package main provides the infra-agent binary entry point.
// The agent queries every vessel's onboard time-series database once per
// day, derives per-component uptime, tracks SLA violations, and opens
// tracker tickets for persistent downtime once a human approves.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/balakumargv-solx/infra-agent/config"
)

const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "infra-agent"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Vessel fleet infrastructure monitoring agent",
		Long: `Infra-agent monitors a fleet of vessels over their onboard
time-series databases.

It provides:
- Daily fan-out collection of ping history across the fleet
- Per-component uptime derivation and SLA violation tracking
- Persistent-downtime alerts with an approval-gated ticket workflow
- A JSON dashboard API over the collected history

Configuration comes from the environment, optionally overridden by a
YAML file; the file is watched and reloaded while the agent runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Execute one monitoring cycle and exit",
		Long: `Run executes a single monitoring cycle outside the daily schedule:
collect from every vessel, analyze SLA compliance, raise alerts, and walk
any persistent-downtime alerts through the ticket workflow. The chat
webhook listener is active for the duration of the cycle so approval
requests can be answered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(configPath)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify configuration, database, and vessel connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(configPath)
		},
	})

	return cmd
}

// runAgent is the daemon mode: scheduler, dashboard API, chat webhook
// listener, and config watcher, until SIGINT or SIGTERM.
func runAgent(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	printBanner()

	app, err := NewApp(cfg, configPath, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		return err
	}

	logger.Info("Agent shutdown complete")
	return nil
}

// runOnce executes a single monitoring cycle with the approval machinery
// live, then exits.
func runOnce(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	app, err := NewApp(cfg, "", logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := app.RunOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Monitoring cycle %s finished in %ds\n", report.RunID, report.DurationSeconds)
	fmt.Printf("  vessels: %d processed, %d failed (of %d)\n",
		report.VesselsProcessed, report.VesselsFailed, report.VesselsTotal)
	fmt.Printf("  sla violations: %d, persistent downtime: %d, tickets created: %d\n",
		report.SLAViolations, report.PersistentDowntimeAlerts, report.TicketsCreated)

	if !report.Success {
		return fmt.Errorf("monitoring cycle finished with %d errors", len(report.Errors))
	}
	return nil
}

// newLogger builds the agent logger from the configured level. When a log
// file is configured it receives a copy of everything written to stderr.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return logger, closeFn, nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║           Infra Agent v" + Version + "                  ║")
	fmt.Println("║      Vessel Fleet Monitoring Agent            ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
