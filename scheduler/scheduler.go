// Package scheduler fires the daily monitoring cycle. One cron entry runs
// at the configured wall-clock time in the configured zone; a manual
// trigger reuses the same execution path. Single-instance enforcement
// lives in the pipeline, which refuses overlapping cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/balakumargv-solx/infra-agent/monitor"
)

// ErrNotStarted is returned by TriggerNow before Start.
var ErrNotStarted = errors.New("scheduler: not started")

// jobName labels the daily trigger in logs.
const jobName = "daily_monitoring"

const defaultMisfireGrace = time.Hour

const (
	triggerSchedule = "schedule"
	triggerManual   = "manual"
)

// Runner executes one monitoring cycle.
type Runner interface {
	Run(ctx context.Context) (*monitor.Report, error)
}

// Config sets the daily trigger time.
type Config struct {
	// Hour and Minute are the daily wall-clock trigger in Timezone.
	Hour   int
	Minute int

	// Timezone is an IANA zone name. Empty means UTC.
	Timezone string
}

// Stats is the scheduler's status view.
type Stats struct {
	Running     bool       `json:"is_running"`
	Timezone    string     `json:"timezone"`
	DailyTime   string     `json:"daily_monitoring_time"`
	NextRunTime *time.Time `json:"next_monitoring_time,omitempty"`
	TotalJobs   int        `json:"total_jobs"`
}

// Scheduler owns the cron instance and the daily monitoring entry.
type Scheduler struct {
	runner Runner
	logger *slog.Logger
	grace  time.Duration

	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	hour     int
	minute   int
	location *time.Location
	running  bool
	baseCtx  context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMisfireGrace overrides how late a scheduled trigger may fire before
// it is dropped. Default one hour.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		s.grace = d
	}
}

// New creates the scheduler with its daily entry registered but not yet
// ticking.
func New(runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	loc, err := validate(cfg)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		runner:   runner,
		logger:   slog.Default(),
		grace:    defaultMisfireGrace,
		hour:     cfg.Hour,
		minute:   cfg.Minute,
		location: loc,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing the daily entry. Cycles run under ctx, so cancelling
// it aborts an in-flight run during shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler: already started")
	}
	s.baseCtx = ctx
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started",
		"job", jobName,
		"daily_time", fmt.Sprintf("%02d:%02d", s.hour, s.minute),
		"timezone", s.location.String())
	return nil
}

// Stop halts the trigger and waits for an in-flight cycle's job goroutine,
// up to the context deadline. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with a cycle in flight")
		return ctx.Err()
	}
}

// TriggerNow runs the monitoring job immediately, outside the daily
// schedule. The cycle executes in the background; one already in flight is
// skipped there.
func (s *Scheduler) TriggerNow() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return ErrNotStarted
	}

	s.logger.Info("Manual monitoring trigger requested", "job", jobName)
	go s.execute(triggerManual)
	return nil
}

// UpdateSchedule replaces the daily trigger. The change applies immediately;
// an in-flight cycle keeps running.
func (s *Scheduler) UpdateSchedule(cfg Config) error {
	loc, err := validate(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldTime := fmt.Sprintf("%02d:%02d %s", s.hour, s.minute, s.location)
	s.hour = cfg.Hour
	s.minute = cfg.Minute
	s.location = loc

	wasTicking := s.running
	if wasTicking {
		s.cron.Stop()
	}
	if err := s.rebuild(); err != nil {
		return err
	}
	if wasTicking {
		s.cron.Start()
	}

	s.logger.Info("Monitoring schedule updated",
		"job", jobName,
		"from", oldTime,
		"to", fmt.Sprintf("%02d:%02d %s", s.hour, s.minute, s.location))
	return nil
}

// Stats reports the scheduler state for the dashboard.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Running:   s.running,
		Timezone:  s.location.String(),
		DailyTime: fmt.Sprintf("%02d:%02d", s.hour, s.minute),
		TotalJobs: len(s.cron.Entries()),
	}
	if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
		st.NextRunTime = &next
	}
	return st
}

// NextRunTime returns the next scheduled trigger, zero before Start.
func (s *Scheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron.Entry(s.entryID).Next
}

// Running reports whether the scheduler is ticking.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// rebuild replaces the cron instance for the current schedule. Callers hold
// the mutex.
func (s *Scheduler) rebuild() error {
	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	spec := fmt.Sprintf("%d %d * * *", s.minute, s.hour)
	id, err := s.cron.AddFunc(spec, s.runScheduled)
	if err != nil {
		return fmt.Errorf("schedule daily monitoring: %w", err)
	}
	s.entryID = id
	return nil
}

// runScheduled is the cron entry point. Triggers that slept past the grace
// window are dropped rather than run hours late; the cron loop already
// coalesces a backlog into a single late fire.
func (s *Scheduler) runScheduled() {
	s.mu.Lock()
	hour, minute, loc := s.hour, s.minute, s.location
	s.mu.Unlock()

	now := time.Now().In(loc)
	slot := lastDailySlot(now, hour, minute)
	if late := now.Sub(slot); late > s.grace {
		s.logger.Warn("Dropping misfired monitoring trigger",
			"job", jobName,
			"scheduled", slot,
			"late", late,
			"grace", s.grace)
		return
	}

	s.execute(triggerSchedule)
}

func (s *Scheduler) execute(trigger string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	s.logger.Info("Starting daily monitoring workflow",
		"job", jobName,
		"trigger", trigger)

	report, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		s.logger.Warn("Monitoring cycle already in flight, skipping",
			"job", jobName,
			"trigger", trigger)
	case err != nil:
		s.logger.Error("Daily monitoring workflow failed",
			"job", jobName,
			"trigger", trigger,
			"duration", time.Since(start),
			"error", err)
	default:
		s.logger.Info("Daily monitoring workflow completed",
			"job", jobName,
			"trigger", trigger,
			"duration", time.Since(start),
			"run_id", report.RunID,
			"vessels_processed", report.VesselsProcessed,
			"vessels_failed", report.VesselsFailed)
	}
}

// lastDailySlot returns the most recent occurrence of hour:minute at or
// before now, in now's location.
func lastDailySlot(now time.Time, hour, minute int) time.Time {
	slot := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if slot.After(now) {
		slot = slot.AddDate(0, 0, -1)
	}
	return slot
}

func validate(cfg Config) (*time.Location, error) {
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("scheduler: hour %d out of range", cfg.Hour)
	}
	if cfg.Minute < 0 || cfg.Minute > 59 {
		return nil, fmt.Errorf("scheduler: minute %d out of range", cfg.Minute)
	}
	if cfg.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load timezone %q: %w", cfg.Timezone, err)
	}
	return loc, nil
}

// cronLogger adapts slog to the cron logger. The cron loop's own chatter
// lands at debug; job panics and schedule errors land at error.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
