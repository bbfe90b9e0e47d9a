package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration in layers: documented defaults first, then
// environment variables, then the YAML file at path when one is given.
// File values win over the environment; keys absent from the file keep
// their layered values. Environment references like ${VAR} inside the file
// are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnvironment(cfg); err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile unmarshals the YAML file at path onto cfg. Unmarshalling onto
// the already layered value keeps absent keys untouched, so the file only
// overrides what it states, and vessel entries merge by id.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnvironment overlays every recognized environment variable onto
// cfg. Only variables that are actually set are applied, so an explicit
// zero (for example MONITORING_SCHEDULE_HOUR=0) overrides the default.
func applyEnvironment(cfg *Config) error {
	var err error

	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("config: environment %s: %w", key, convErr)
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		f, convErr := strconv.ParseFloat(v, 64)
		if convErr != nil {
			err = fmt.Errorf("config: environment %s: %w", key, convErr)
			return
		}
		*dst = f
	}

	setFloat("SLA_THRESHOLD", &cfg.SLAParameters.UptimeThresholdPercentage)
	setInt("DOWNTIME_ALERT_THRESHOLD_DAYS", &cfg.SLAParameters.DowntimeAlertThresholdDays)
	setInt("MONITORING_WINDOW_HOURS", &cfg.SLAParameters.MonitoringWindowHours)

	setStr("WEB_HOST", &cfg.WebServer.Host)
	setInt("WEB_PORT", &cfg.WebServer.Port)
	if v, ok := os.LookupEnv("WEB_DEBUG"); ok {
		cfg.WebServer.Debug = strings.EqualFold(v, "true")
	}

	setInt("MONITORING_SCHEDULE_HOUR", &cfg.Scheduling.DailyMonitoringHour)
	setInt("MONITORING_SCHEDULE_MINUTE", &cfg.Scheduling.DailyMonitoringMinute)
	setStr("MONITORING_TIMEZONE", &cfg.Scheduling.Timezone)

	setStr("DATABASE_PATH", &cfg.DatabasePath)
	setStr("LOG_LEVEL", &cfg.LogLevel)
	setStr("LOG_FILE", &cfg.LogFile)

	setStr("DASHBOARD_USERNAME", &cfg.Dashboard.Username)
	setStr("DASHBOARD_PASSWORD", &cfg.Dashboard.Password)

	if trackerURL, ok := os.LookupEnv("JIRA_URL"); ok && trackerURL != "" {
		cfg.Tracker = &Tracker{
			URL:        trackerURL,
			Username:   os.Getenv("JIRA_USERNAME"),
			APIToken:   os.Getenv("JIRA_API_TOKEN"),
			ProjectKey: "INFRA",
			IssueType:  "Bug",
		}
		setStr("JIRA_PROJECT_KEY", &cfg.Tracker.ProjectKey)
		setStr("JIRA_ISSUE_TYPE", &cfg.Tracker.IssueType)
	}

	if err != nil {
		return err
	}

	vessels, venvErr := vesselsFromEnvironment()
	if venvErr != nil {
		return venvErr
	}
	for id, db := range vessels {
		cfg.VesselDatabases[id] = db
	}
	return nil
}

// vesselsFromEnvironment reads vessel endpoints from the environment.
// Per-vessel keys (VESSEL_<ID>_INFLUXDB_URL and friends) win; otherwise a
// single-cluster setup is expanded from INFLUXDB_URL and VESSEL_IDS, with
// each vessel reading its own "<vessel_id>_<bucket>" bucket.
func vesselsFromEnvironment() (map[string]VesselDatabase, error) {
	vessels, err := perVesselEnvironment()
	if err != nil {
		return nil, err
	}
	if len(vessels) > 0 {
		return vessels, nil
	}

	baseURL, ok := os.LookupEnv("INFLUXDB_URL")
	if !ok || baseURL == "" {
		return nil, nil
	}

	timeout, err := envTimeout("INFLUXDB_TIMEOUT")
	if err != nil {
		return nil, err
	}
	base := VesselDatabase{
		URL:            baseURL,
		Token:          os.Getenv("INFLUXDB_TOKEN"),
		Org:            os.Getenv("INFLUXDB_ORG"),
		Bucket:         envOr("INFLUXDB_BUCKET", "monitoring"),
		TimeoutSeconds: timeout,
	}

	vessels = make(map[string]VesselDatabase)
	for _, raw := range strings.Split(os.Getenv("VESSEL_IDS"), ",") {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		db := base
		db.Bucket = fmt.Sprintf("%s_%s", id, base.Bucket)
		vessels[id] = db
	}
	return vessels, nil
}

const vesselEnvSuffix = "_INFLUXDB_URL"

// perVesselEnvironment scans for VESSEL_<ID>_INFLUXDB_* variable groups.
// The vessel id is whatever sits between the prefix and suffix, lowercased.
func perVesselEnvironment() (map[string]VesselDatabase, error) {
	prefixes := make([]string, 0)
	for _, entry := range os.Environ() {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(key, "VESSEL_") && strings.HasSuffix(key, vesselEnvSuffix) {
			prefixes = append(prefixes, strings.TrimSuffix(key, vesselEnvSuffix))
		}
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	sort.Strings(prefixes)

	vessels := make(map[string]VesselDatabase, len(prefixes))
	for _, prefix := range prefixes {
		url := os.Getenv(prefix + vesselEnvSuffix)
		if url == "" {
			continue
		}
		timeout, err := envTimeout(prefix + "_INFLUXDB_TIMEOUT")
		if err != nil {
			return nil, err
		}
		id := strings.ToLower(strings.TrimPrefix(prefix, "VESSEL_"))
		vessels[id] = VesselDatabase{
			URL:            url,
			Token:          os.Getenv(prefix + "_INFLUXDB_TOKEN"),
			Org:            os.Getenv(prefix + "_INFLUXDB_ORG"),
			Bucket:         envOr(prefix+"_INFLUXDB_BUCKET", "monitoring"),
			TimeoutSeconds: timeout,
		}
	}
	return vessels, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envTimeout(key string) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 30, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: environment %s: %w", key, err)
	}
	return n, nil
}
