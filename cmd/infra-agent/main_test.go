package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/balakumargv-solx/infra-agent/config"
)

func TestRootCmdSubcommands(t *testing.T) {
	cmd := rootCmd()

	want := map[string]bool{"version": false, "run": false, "check": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}

	if flag := cmd.PersistentFlags().Lookup("config"); flag == nil {
		t.Error("persistent --config flag not registered")
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "agent.log")

	cfg := config.DefaultConfig()
	cfg.LogLevel = "DEBUG"
	cfg.LogFile = logPath

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}

	logger.Info("test entry", "key", "value")
	closeLog()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "test entry") {
		t.Errorf("log file missing entry, got %q", string(data))
	}
}

func TestNewLoggerBadPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "agent.log")

	if _, _, err := newLogger(cfg); err == nil {
		t.Fatal("expected error for unwritable log file path")
	}
}
