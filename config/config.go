// Package config loads and validates the agent's configuration from YAML
// files and the environment, and serves live snapshots to the rest of the
// agent through a file watcher.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/balakumargv-solx/infra-agent/collector"
	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/probe"
	"github.com/balakumargv-solx/infra-agent/sla"
)

// VesselDatabase is the time-series endpoint of one vessel.
type VesselDatabase struct {
	// URL is the vessel's query endpoint.
	URL string `yaml:"url" validate:"required,url"`
	// Token authenticates queries against the endpoint.
	Token string `yaml:"token" validate:"required"`
	// Org is the organization the bucket belongs to.
	Org string `yaml:"org" validate:"required"`
	// Bucket is the database queried for ping measurements.
	Bucket string `yaml:"bucket" validate:"required"`
	// TimeoutSeconds bounds each query call. Defaults to 30.
	TimeoutSeconds int64 `yaml:"timeout_seconds" validate:"gt=0"`
	// Components maps a component role to its device IPs. Empty means the
	// stock vessel layout from DefaultComponentIPs.
	Components map[string][]string `yaml:"components"`
}

// Timeout returns the per-query timeout as a duration.
func (v VesselDatabase) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// SLAParameters hold the monitoring thresholds.
type SLAParameters struct {
	// UptimeThresholdPercentage is the compliance bar (0 < x <= 100).
	UptimeThresholdPercentage float64 `yaml:"uptime_threshold_percentage" validate:"gt=0,lte=100"`
	// DowntimeAlertThresholdDays is how long a component may stay down
	// before a persistent-downtime alert fires.
	DowntimeAlertThresholdDays int `yaml:"downtime_alert_threshold_days" validate:"gt=0"`
	// MonitoringWindowHours is the rolling uptime window.
	MonitoringWindowHours int `yaml:"monitoring_window_hours" validate:"gt=0"`
}

// Scheduling places the daily monitoring run.
type Scheduling struct {
	// DailyMonitoringHour is the hour of day (0-23).
	DailyMonitoringHour int `yaml:"daily_monitoring_hour" validate:"gte=0,lte=23"`
	// DailyMonitoringMinute is the minute (0-59).
	DailyMonitoringMinute int `yaml:"daily_monitoring_minute" validate:"gte=0,lte=59"`
	// Timezone is an IANA zone name.
	Timezone string `yaml:"timezone" validate:"required"`
}

// WebServer configures the dashboard listener.
type WebServer struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
	// Debug raises per-request logging to info level.
	Debug bool `yaml:"debug"`
}

// Tracker configures the issue tracker integration. Optional; nil disables
// ticket creation.
type Tracker struct {
	URL      string `yaml:"url" validate:"required,url"`
	Username string `yaml:"username" validate:"required"`
	APIToken string `yaml:"api_token" validate:"required"`
	// ProjectKey is the project tickets are filed under.
	ProjectKey string `yaml:"project_key" validate:"required"`
	// IssueType defaults to "Bug".
	IssueType string `yaml:"issue_type"`
}

// Chat configures the chat integration used for approval requests.
// Optional; nil means tickets are created without an approval step.
type Chat struct {
	WebhookURL string `yaml:"webhook_url" validate:"required,url"`
	// SigningSecret verifies inbound interaction payloads when set.
	SigningSecret string `yaml:"signing_secret"`
	Channel       string `yaml:"channel"`
	Username      string `yaml:"username"`
	IconEmoji     string `yaml:"icon_emoji"`
	// WebhookPort is where the inbound interaction listener binds.
	WebhookPort int `yaml:"webhook_port" validate:"gte=1,lte=65535"`
}

// Dashboard is the auth seed for the dashboard API. Empty leaves the API
// open.
type Dashboard struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the complete agent configuration.
type Config struct {
	// VesselDatabases maps vessel id to its database endpoint. At least
	// one is required.
	VesselDatabases map[string]VesselDatabase `yaml:"vessel_databases" validate:"dive"`

	SLAParameters SLAParameters `yaml:"sla_parameters"`
	Scheduling    Scheduling    `yaml:"scheduling"`
	WebServer     WebServer     `yaml:"web_server"`
	Tracker       *Tracker      `yaml:"tracker"`
	Chat          *Chat         `yaml:"chat"`
	Dashboard     Dashboard     `yaml:"dashboard"`

	// DatabasePath is the SQLite file backing the durable store.
	DatabasePath string `yaml:"database_path" validate:"required"`
	// LogLevel is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	// LogFile receives a copy of the log when set.
	LogFile string `yaml:"log_file"`
}

// DefaultConfig returns a Config with the documented defaults and no
// vessels.
func DefaultConfig() *Config {
	return &Config{
		VesselDatabases: map[string]VesselDatabase{},
		SLAParameters: SLAParameters{
			UptimeThresholdPercentage:  95,
			DowntimeAlertThresholdDays: 3,
			MonitoringWindowHours:      24,
		},
		Scheduling: Scheduling{
			DailyMonitoringHour:   6,
			DailyMonitoringMinute: 0,
			Timezone:              "UTC",
		},
		WebServer: WebServer{
			Host: "0.0.0.0",
			Port: 8000,
		},
		DatabasePath: "./monitoring_agent.db",
		LogLevel:     "INFO",
		LogFile:      "monitoring_agent.log",
	}
}

// normalize fills optional fields with their documented defaults and
// canonicalizes the log level.
func (c *Config) normalize() {
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))

	for id, db := range c.VesselDatabases {
		if db.TimeoutSeconds == 0 {
			db.TimeoutSeconds = 30
			c.VesselDatabases[id] = db
		}
	}
	if c.Tracker != nil && c.Tracker.IssueType == "" {
		c.Tracker.IssueType = "Bug"
	}
	if c.Chat != nil {
		if c.Chat.Channel == "" {
			c.Chat.Channel = "#infrastructure-alerts"
		}
		if c.Chat.Username == "" {
			c.Chat.Username = "Infrastructure Monitor"
		}
		if c.Chat.IconEmoji == "" {
			c.Chat.IconEmoji = ":warning:"
		}
		if c.Chat.WebhookPort == 0 {
			c.Chat.WebhookPort = 5000
		}
	}
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if len(c.VesselDatabases) == 0 {
		return errors.New("config: at least one vessel database must be configured")
	}
	for id, db := range c.VesselDatabases {
		if strings.TrimSpace(id) == "" {
			return errors.New("config: vessel id cannot be empty")
		}
		for role := range db.Components {
			if _, err := fleet.ParseRole(role); err != nil {
				return fmt.Errorf("config: vessel %s: %w", id, err)
			}
		}
	}
	if _, err := time.LoadLocation(c.Scheduling.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Scheduling.Timezone, err)
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// VesselIDs returns the configured vessel ids, sorted.
func (c *Config) VesselIDs() []string {
	ids := make([]string, 0, len(c.VesselDatabases))
	for id := range c.VesselDatabases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProbeConfig maps one vessel's database settings onto a probe client
// configuration.
func (c *Config) ProbeConfig(vesselID string) (probe.Config, error) {
	db, ok := c.VesselDatabases[vesselID]
	if !ok {
		return probe.Config{}, fmt.Errorf("config: no database configuration for vessel %s", vesselID)
	}
	return probe.Config{
		VesselID: vesselID,
		URL:      db.URL,
		Token:    db.Token,
		Org:      db.Org,
		Database: db.Bucket,
		Timeout:  db.Timeout(),
	}, nil
}

// CollectionTargets builds the collector's working set: every vessel with
// its per-role device IPs, sorted by vessel id.
func (c *Config) CollectionTargets() []collector.Target {
	targets := make([]collector.Target, 0, len(c.VesselDatabases))
	for _, id := range c.VesselIDs() {
		targets = append(targets, collector.Target{
			VesselID:   id,
			Components: c.VesselDatabases[id].componentIPs(),
		})
	}
	return targets
}

func (v VesselDatabase) componentIPs() map[fleet.Role][]string {
	if len(v.Components) == 0 {
		return DefaultComponentIPs()
	}
	comps := make(map[fleet.Role][]string, len(v.Components))
	for name, ips := range v.Components {
		role, err := fleet.ParseRole(name)
		if err != nil {
			continue
		}
		comps[role] = append([]string(nil), ips...)
	}
	return comps
}

// DefaultComponentIPs is the stock vessel layout: one external
// connectivity probe for the server role, three dashboard hosts, and the
// access-point block.
func DefaultComponentIPs() map[fleet.Role][]string {
	return map[fleet.Role][]string{
		fleet.RoleServer: {"8.8.8.8"},
		fleet.RoleDashboard: {
			"192.168.1.43", "192.168.1.44", "192.168.1.45",
		},
		fleet.RoleAccessPoint: {
			"192.168.1.1", "192.168.1.2", "192.168.1.3", "192.168.1.4",
			"192.168.1.5", "192.168.1.6", "192.168.1.7", "192.168.1.8",
			"192.168.1.9", "192.168.1.10", "192.168.1.11", "192.168.1.12",
			"192.168.1.13", "192.168.1.22", "192.168.1.23", "192.168.1.24",
		},
	}
}

// SLA converts the stored thresholds into analyzer parameters.
func (c *Config) SLA() sla.Parameters {
	return sla.Parameters{
		UptimeThreshold: c.SLAParameters.UptimeThresholdPercentage,
		DowntimeAlert:   time.Duration(c.SLAParameters.DowntimeAlertThresholdDays) * 24 * time.Hour,
		Window:          time.Duration(c.SLAParameters.MonitoringWindowHours) * time.Hour,
	}
}

// SlogLevel maps the configured log level onto slog. CRITICAL folds into
// error, which is the closest slog carries.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Location resolves the scheduling timezone. Validate guarantees it
// parses for a validated config.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduling.Timezone)
}
