package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/balakumargv-solx/infra-agent/fleet"
)

func validVessel() VesselDatabase {
	return VesselDatabase{
		URL:            "http://influx.atlantic-7.fleet:8086",
		Token:          "token-atlantic",
		Org:            "fleet-ops",
		Bucket:         "atlantic-7_monitoring",
		TimeoutSeconds: 30,
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.VesselDatabases["atlantic-7"] = validVessel()
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.SLAParameters.UptimeThresholdPercentage != 95.0 {
		t.Errorf("expected default uptime threshold 95.0, got %f", cfg.SLAParameters.UptimeThresholdPercentage)
	}
	if cfg.SLAParameters.DowntimeAlertThresholdDays != 3 {
		t.Errorf("expected default downtime alert threshold 3 days, got %d", cfg.SLAParameters.DowntimeAlertThresholdDays)
	}
	if cfg.SLAParameters.MonitoringWindowHours != 24 {
		t.Errorf("expected default monitoring window 24h, got %d", cfg.SLAParameters.MonitoringWindowHours)
	}
	if cfg.Scheduling.DailyMonitoringHour != 6 || cfg.Scheduling.DailyMonitoringMinute != 0 {
		t.Errorf("expected default schedule 06:00, got %02d:%02d", cfg.Scheduling.DailyMonitoringHour, cfg.Scheduling.DailyMonitoringMinute)
	}
	if cfg.Scheduling.Timezone != "UTC" {
		t.Errorf("expected default timezone UTC, got %s", cfg.Scheduling.Timezone)
	}
	if cfg.WebServer.Host != "0.0.0.0" || cfg.WebServer.Port != 8000 {
		t.Errorf("expected default web server 0.0.0.0:8000, got %s:%d", cfg.WebServer.Host, cfg.WebServer.Port)
	}
	if cfg.WebServer.Debug {
		t.Error("expected debug disabled by default")
	}
	if cfg.DatabasePath != "./monitoring_agent.db" {
		t.Errorf("expected default database path ./monitoring_agent.db, got %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("expected default log level INFO, got %s", cfg.LogLevel)
	}
	if cfg.LogFile != "monitoring_agent.log" {
		t.Errorf("expected default log file monitoring_agent.log, got %s", cfg.LogFile)
	}
	if len(cfg.VesselDatabases) != 0 {
		t.Errorf("expected no vessels by default, got %d", len(cfg.VesselDatabases))
	}
	if cfg.Tracker != nil {
		t.Error("expected tracker disabled by default")
	}
	if cfg.Chat != nil {
		t.Error("expected chat disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "valid with tracker and chat",
			modify: func(c *Config) {
				c.Tracker = &Tracker{
					URL:        "https://jira.example.com",
					Username:   "svc-monitor",
					APIToken:   "jira-token",
					ProjectKey: "FLEET",
					IssueType:  "Bug",
				}
				c.Chat = &Chat{
					WebhookURL:  "https://hooks.slack.com/services/T0/B0/xyz",
					Channel:     "#fleet-alerts",
					Username:    "Fleet Monitor",
					IconEmoji:   ":ship:",
					WebhookPort: 5000,
				}
			},
			wantErr: false,
		},
		{
			name:    "no vessel databases",
			modify:  func(c *Config) { c.VesselDatabases = nil },
			wantErr: true,
		},
		{
			name: "blank vessel id",
			modify: func(c *Config) {
				c.VesselDatabases[" "] = validVessel()
			},
			wantErr: true,
		},
		{
			name: "vessel missing token",
			modify: func(c *Config) {
				v := validVessel()
				v.Token = ""
				c.VesselDatabases["atlantic-7"] = v
			},
			wantErr: true,
		},
		{
			name: "vessel url without scheme",
			modify: func(c *Config) {
				v := validVessel()
				v.URL = "influx.atlantic-7.fleet:8086"
				c.VesselDatabases["atlantic-7"] = v
			},
			wantErr: true,
		},
		{
			name: "vessel negative timeout",
			modify: func(c *Config) {
				v := validVessel()
				v.TimeoutSeconds = -5
				c.VesselDatabases["atlantic-7"] = v
			},
			wantErr: true,
		},
		{
			name: "unknown component role",
			modify: func(c *Config) {
				v := validVessel()
				v.Components = map[string][]string{"warp_drive": {"10.0.0.1"}}
				c.VesselDatabases["atlantic-7"] = v
			},
			wantErr: true,
		},
		{
			name:    "uptime threshold above 100",
			modify:  func(c *Config) { c.SLAParameters.UptimeThresholdPercentage = 150 },
			wantErr: true,
		},
		{
			name:    "uptime threshold zero",
			modify:  func(c *Config) { c.SLAParameters.UptimeThresholdPercentage = 0 },
			wantErr: true,
		},
		{
			name:    "downtime alert threshold zero",
			modify:  func(c *Config) { c.SLAParameters.DowntimeAlertThresholdDays = 0 },
			wantErr: true,
		},
		{
			name:    "monitoring window zero",
			modify:  func(c *Config) { c.SLAParameters.MonitoringWindowHours = 0 },
			wantErr: true,
		},
		{
			name:    "schedule hour out of range",
			modify:  func(c *Config) { c.Scheduling.DailyMonitoringHour = 24 },
			wantErr: true,
		},
		{
			name:    "schedule minute negative",
			modify:  func(c *Config) { c.Scheduling.DailyMonitoringMinute = -1 },
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			modify:  func(c *Config) { c.Scheduling.Timezone = "Mars/Olympus" },
			wantErr: true,
		},
		{
			name:    "web port zero",
			modify:  func(c *Config) { c.WebServer.Port = 0 },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "TRACE" },
			wantErr: true,
		},
		{
			name: "tracker missing api token",
			modify: func(c *Config) {
				c.Tracker = &Tracker{
					URL:        "https://jira.example.com",
					Username:   "svc-monitor",
					ProjectKey: "FLEET",
					IssueType:  "Bug",
				}
			},
			wantErr: true,
		},
		{
			name: "chat missing webhook url",
			modify: func(c *Config) {
				c.Chat = &Chat{WebhookPort: 5000}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("SLA_THRESHOLD", "90.5")
	t.Setenv("WEB_PORT", "9999")
	t.Setenv("WEB_DEBUG", "true")
	t.Setenv("FLEET_INFLUX_TOKEN", "sekret-token")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
vessel_databases:
  atlantic-7:
    url: "http://influx.atlantic-7.fleet:8086"
    token: "${FLEET_INFLUX_TOKEN}"
    org: "fleet-ops"
    bucket: "atlantic-7_monitoring"
sla_parameters:
  uptime_threshold_percentage: 99.0
scheduling:
  daily_monitoring_hour: 0
log_level: "warning"
tracker:
  url: "https://jira.example.com"
  username: "svc-monitor"
  api_token: "jira-token"
  project_key: "FLEET"
chat:
  webhook_url: "https://hooks.slack.com/services/T0/B0/xyz"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// File values win over the environment.
	if cfg.SLAParameters.UptimeThresholdPercentage != 99.0 {
		t.Errorf("expected uptime threshold 99.0 from file, got %f", cfg.SLAParameters.UptimeThresholdPercentage)
	}
	// Environment values survive when the file is silent.
	if cfg.WebServer.Port != 9999 {
		t.Errorf("expected port 9999 from environment, got %d", cfg.WebServer.Port)
	}
	if !cfg.WebServer.Debug {
		t.Error("expected debug enabled from environment")
	}
	// Defaults survive when neither layer touches them.
	if cfg.SLAParameters.DowntimeAlertThresholdDays != 3 {
		t.Errorf("expected default downtime threshold 3, got %d", cfg.SLAParameters.DowntimeAlertThresholdDays)
	}
	if cfg.Scheduling.Timezone != "UTC" {
		t.Errorf("expected default timezone UTC, got %s", cfg.Scheduling.Timezone)
	}
	// An explicit zero in the file overrides the default hour.
	if cfg.Scheduling.DailyMonitoringHour != 0 {
		t.Errorf("expected schedule hour 0 from file, got %d", cfg.Scheduling.DailyMonitoringHour)
	}
	// ${VAR} references in the file are expanded.
	vessel, ok := cfg.VesselDatabases["atlantic-7"]
	if !ok {
		t.Fatal("expected vessel atlantic-7 from file")
	}
	if vessel.Token != "sekret-token" {
		t.Errorf("expected expanded token sekret-token, got %s", vessel.Token)
	}
	if vessel.TimeoutSeconds != 30 {
		t.Errorf("expected timeout default 30, got %d", vessel.TimeoutSeconds)
	}
	if cfg.LogLevel != "WARNING" {
		t.Errorf("expected normalized log level WARNING, got %s", cfg.LogLevel)
	}
	if cfg.Tracker == nil || cfg.Tracker.IssueType != "Bug" {
		t.Errorf("expected tracker issue type default Bug, got %+v", cfg.Tracker)
	}
	if cfg.Chat == nil {
		t.Fatal("expected chat configured from file")
	}
	if cfg.Chat.Channel != "#infrastructure-alerts" || cfg.Chat.Username != "Infrastructure Monitor" {
		t.Errorf("expected chat identity defaults, got %+v", cfg.Chat)
	}
	if cfg.Chat.IconEmoji != ":warning:" || cfg.Chat.WebhookPort != 5000 {
		t.Errorf("expected chat icon and port defaults, got %+v", cfg.Chat)
	}
}

func TestLoadMergesVesselSources(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "http://influx.shared.fleet:8086")
	t.Setenv("INFLUXDB_TOKEN", "shared-token")
	t.Setenv("INFLUXDB_ORG", "fleet-ops")
	t.Setenv("VESSEL_IDS", "pacific-2")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
vessel_databases:
  atlantic-7:
    url: "http://influx.atlantic-7.fleet:8086"
    token: "token-atlantic"
    org: "fleet-ops"
    bucket: "atlantic-7_monitoring"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ids := cfg.VesselIDs()
	if len(ids) != 2 || ids[0] != "atlantic-7" || ids[1] != "pacific-2" {
		t.Fatalf("expected vessels [atlantic-7 pacific-2], got %v", ids)
	}
	if cfg.VesselDatabases["pacific-2"].Bucket != "pacific-2_monitoring" {
		t.Errorf("expected environment vessel to keep its derived bucket, got %s", cfg.VesselDatabases["pacific-2"].Bucket)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("vessel_databases: ["), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}

func TestLoadRequiresVessels(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: INFO\n"), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error without vessels")
	}
	if !strings.Contains(err.Error(), "at least one vessel database") {
		t.Errorf("expected at-least-one-vessel error, got %v", err)
	}
}

func TestEnvironmentPerVesselMode(t *testing.T) {
	t.Setenv("VESSEL_ATLANTIC_7_INFLUXDB_URL", "http://influx.atlantic-7.fleet:8086")
	t.Setenv("VESSEL_ATLANTIC_7_INFLUXDB_TOKEN", "tok-a7")
	t.Setenv("VESSEL_ATLANTIC_7_INFLUXDB_ORG", "fleet-ops")
	// Single-cluster variables lose against per-vessel ones.
	t.Setenv("INFLUXDB_URL", "http://influx.shared.fleet:8086")
	t.Setenv("INFLUXDB_TOKEN", "shared-token")
	t.Setenv("INFLUXDB_ORG", "fleet-ops")
	t.Setenv("VESSEL_IDS", "zeta")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ids := cfg.VesselIDs()
	if len(ids) != 1 || ids[0] != "atlantic_7" {
		t.Fatalf("expected single per-vessel entry atlantic_7, got %v", ids)
	}
	db := cfg.VesselDatabases["atlantic_7"]
	if db.URL != "http://influx.atlantic-7.fleet:8086" || db.Token != "tok-a7" {
		t.Errorf("unexpected vessel database %+v", db)
	}
	if db.Bucket != "monitoring" {
		t.Errorf("expected default bucket monitoring, got %s", db.Bucket)
	}
	if db.TimeoutSeconds != 30 {
		t.Errorf("expected default timeout 30, got %d", db.TimeoutSeconds)
	}
}

func TestEnvironmentSingleClusterMode(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "http://influx.shared.fleet:8086")
	t.Setenv("INFLUXDB_TOKEN", "shared-token")
	t.Setenv("INFLUXDB_ORG", "fleet-ops")
	t.Setenv("INFLUXDB_BUCKET", "telemetry")
	t.Setenv("VESSEL_IDS", "alpha, beta ,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ids := cfg.VesselIDs()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Fatalf("expected vessels [alpha beta], got %v", ids)
	}
	if cfg.VesselDatabases["alpha"].Bucket != "alpha_telemetry" {
		t.Errorf("expected bucket alpha_telemetry, got %s", cfg.VesselDatabases["alpha"].Bucket)
	}
	if cfg.VesselDatabases["beta"].URL != "http://influx.shared.fleet:8086" {
		t.Errorf("expected shared cluster URL, got %s", cfg.VesselDatabases["beta"].URL)
	}
	if cfg.VesselDatabases["beta"].Token != "shared-token" {
		t.Errorf("expected shared token, got %s", cfg.VesselDatabases["beta"].Token)
	}
}

func TestEnvironmentParseError(t *testing.T) {
	t.Setenv("WEB_PORT", "eight")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for unparsable WEB_PORT")
	}
	if !strings.Contains(err.Error(), "WEB_PORT") {
		t.Errorf("expected error naming WEB_PORT, got %v", err)
	}
}

func TestProbeConfig(t *testing.T) {
	cfg := validConfig()

	pc, err := cfg.ProbeConfig("atlantic-7")
	if err != nil {
		t.Fatalf("ProbeConfig() error = %v", err)
	}
	if pc.VesselID != "atlantic-7" {
		t.Errorf("expected vessel id atlantic-7, got %s", pc.VesselID)
	}
	if pc.URL != "http://influx.atlantic-7.fleet:8086" || pc.Token != "token-atlantic" || pc.Org != "fleet-ops" {
		t.Errorf("unexpected probe endpoint %+v", pc)
	}
	if pc.Database != "atlantic-7_monitoring" {
		t.Errorf("expected database atlantic-7_monitoring, got %s", pc.Database)
	}
	if pc.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", pc.Timeout)
	}

	if _, err := cfg.ProbeConfig("ghost-9"); err == nil {
		t.Error("expected error for unknown vessel")
	}
}

func TestCollectionTargets(t *testing.T) {
	cfg := validConfig()
	custom := validVessel()
	custom.Components = map[string][]string{
		"server":    {"10.0.0.1"},
		"dashboard": {"10.0.0.2", "10.0.0.3"},
	}
	cfg.VesselDatabases["pacific-2"] = custom

	targets := cfg.CollectionTargets()
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if targets[0].VesselID != "atlantic-7" || targets[1].VesselID != "pacific-2" {
		t.Fatalf("expected targets sorted by vessel id, got %s, %s", targets[0].VesselID, targets[1].VesselID)
	}

	// A vessel without an explicit component layout gets the stock one.
	stock := targets[0].Components
	if len(stock[fleet.RoleServer]) != 1 || stock[fleet.RoleServer][0] != "8.8.8.8" {
		t.Errorf("expected stock server address, got %v", stock[fleet.RoleServer])
	}
	if len(stock[fleet.RoleDashboard]) != 3 {
		t.Errorf("expected 3 stock dashboard addresses, got %d", len(stock[fleet.RoleDashboard]))
	}
	if len(stock[fleet.RoleAccessPoint]) != 16 {
		t.Errorf("expected 16 stock access point addresses, got %d", len(stock[fleet.RoleAccessPoint]))
	}

	configured := targets[1].Components
	if len(configured[fleet.RoleServer]) != 1 || configured[fleet.RoleServer][0] != "10.0.0.1" {
		t.Errorf("expected configured server address, got %v", configured[fleet.RoleServer])
	}
	if len(configured[fleet.RoleDashboard]) != 2 {
		t.Errorf("expected 2 configured dashboard addresses, got %d", len(configured[fleet.RoleDashboard]))
	}
	if len(configured[fleet.RoleAccessPoint]) != 0 {
		t.Errorf("expected no access points for configured vessel, got %v", configured[fleet.RoleAccessPoint])
	}
}

func TestSLA(t *testing.T) {
	params := validConfig().SLA()
	if params.UptimeThreshold != 95.0 {
		t.Errorf("expected uptime threshold 95.0, got %f", params.UptimeThreshold)
	}
	if params.DowntimeAlert != 72*time.Hour {
		t.Errorf("expected downtime alert 72h, got %v", params.DowntimeAlert)
	}
	if params.Window != 24*time.Hour {
		t.Errorf("expected window 24h, got %v", params.Window)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"CRITICAL", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.LogLevel = tt.level
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%s) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLocation(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduling.Timezone = "America/New_York"
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location() error = %v", err)
	}
	if loc.String() != "America/New_York" {
		t.Errorf("expected America/New_York, got %s", loc)
	}
}
