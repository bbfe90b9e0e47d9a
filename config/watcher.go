package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/balakumargv-solx/infra-agent/collector"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher holds the live configuration snapshot and refreshes it when the
// file on disk changes. Reloads that fail to parse or validate are rejected
// and the last good snapshot stays in effect. Components that need current
// settings read them through Current or the delegating accessors, so a
// reload takes effect on their next cycle without a restart.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	onReload []func(*Config)
}

// WatcherOption configures optional Watcher behavior.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger used for reload events.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long file events are coalesced before a reload.
// Editors often produce several writes per save; one reload covers them.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for the config file at path, seeded with an
// already loaded snapshot.
func NewWatcher(path string, initial *Config, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config: watcher path is required")
	}
	if initial == nil {
		return nil, errors.New("config: initial configuration is required")
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		logger:   slog.Default(),
		debounce: defaultReloadDebounce,
		current:  initial,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the active configuration snapshot. Callers must treat
// the returned value as read-only.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn to run with each new snapshot after a successful
// reload. Register callbacks before calling Run.
func (w *Watcher) OnReload(fn func(*Config)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// VesselIDs lists the configured vessels from the current snapshot.
func (w *Watcher) VesselIDs() []string {
	return w.Current().VesselIDs()
}

// CollectionTargets builds collection targets from the current snapshot.
func (w *Watcher) CollectionTargets() []collector.Target {
	return w.Current().CollectionTargets()
}

// Run watches the config file's directory until ctx is cancelled. The
// directory is watched rather than the file itself so atomic rename saves
// keep working after the original inode disappears.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.logger.Info("Watching configuration file", "path", w.path)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.logger.Debug("Config file changed", "op", ev.Op.String())
			dirty = true

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Config reload rejected, keeping last good configuration", "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	callbacks := make([]func(*Config), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", "vessels", len(cfg.VesselDatabases))
	if old.DatabasePath != cfg.DatabasePath || old.WebServer != cfg.WebServer {
		w.logger.Warn("Database path and web server settings require a restart to take effect")
	}

	for _, fn := range callbacks {
		fn(cfg)
	}
}
