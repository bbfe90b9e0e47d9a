// Package collector fans a probe sweep out across the fleet. Each run walks
// a working set of vessels through up to N attempts: every attempt schedules
// one task per remaining vessel under a weighted-semaphore admission cap,
// successes and permanent failures leave the set, and transient failures are
// retried after an exponential pause.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/balakumargv-solx/infra-agent/fleet"
	"github.com/balakumargv-solx/infra-agent/probe"
)

// ErrNoData reports that a collection produced metrics for zero vessels.
var ErrNoData = errors.New("collector: no vessel data collected")

const (
	defaultMaxAttempts = 3
	defaultParallelism = 10
	defaultBaseBackoff = time.Second
)

// Client is the slice of the probe surface the collector drives for one
// vessel.
type Client interface {
	QueryPings(ctx context.Context, role fleet.Role, ips []string, windowHours int) (fleet.PingData, error)
	TestConnection(ctx context.Context) error
}

// ClientFactory builds the probe client for a vessel. The collector caches
// the result per vessel id until Reset is called.
type ClientFactory func(vesselID string) (Client, error)

// Target names one vessel to collect and the device IPs of each of its
// configured components.
type Target struct {
	VesselID   string
	Components map[fleet.Role][]string
}

// Attempt is the outcome of a single query attempt against one vessel.
type Attempt struct {
	RunID     string
	VesselID  string
	Number    int
	Success   bool
	Duration  time.Duration
	Error     string
	Timestamp time.Time
}

// Sink receives one Attempt per vessel task. Implementations must be safe
// for concurrent use. For a given vessel, calls arrive in attempt order;
// across vessels the order is arbitrary.
type Sink interface {
	RecordAttempt(ctx context.Context, att Attempt) error
}

// Result is what one collection produced. Metrics holds the roll-up for
// every vessel that succeeded; Failures holds the final error for every
// vessel that did not. Vessels aborted by cancellation appear in neither.
type Result struct {
	Metrics  map[string]fleet.VesselMetrics
	Failures map[string]error

	// RetryAttempts is the number of vessels carried into attempts 2..N.
	RetryAttempts int
}

// Collector runs the fan-out. Safe for concurrent use, though the admission
// cap is shared across overlapping collections.
type Collector struct {
	factory     ClientFactory
	sink        Sink
	logger      *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
	sem         *semaphore.Weighted

	mu      sync.Mutex
	clients map[string]Client
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used by the collector.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithSink sets the destination for per-attempt records. Without one,
// attempts are not recorded.
func WithSink(sink Sink) Option {
	return func(c *Collector) {
		c.sink = sink
	}
}

// WithMaxAttempts sets how many attempts each vessel gets before its
// transient failures are treated as final.
func WithMaxAttempts(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithParallelism caps how many vessel queries run at once.
func WithParallelism(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithBaseBackoff sets the pause after the first attempt; attempt k waits
// base doubled k-1 times.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.baseBackoff = d
		}
	}
}

// New builds a Collector over the given client factory.
func New(factory ClientFactory, opts ...Option) (*Collector, error) {
	if factory == nil {
		return nil, fmt.Errorf("collector: client factory is required")
	}

	c := &Collector{
		factory:     factory,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		sem:         semaphore.NewWeighted(defaultParallelism),
		clients:     make(map[string]Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Collect queries every target and rolls the ping history of each into
// VesselMetrics. The returned Result is valid even on error: cancellation
// returns the context error with whatever completed before it, and a
// collection in which no vessel produced data returns ErrNoData.
func (c *Collector) Collect(ctx context.Context, runID string, targets []Target, windowHours int) (*Result, error) {
	res := &Result{
		Metrics:  make(map[string]fleet.VesselMetrics),
		Failures: make(map[string]error),
	}

	if len(targets) == 0 {
		c.logger.Warn("No vessels configured for collection", "run_id", runID)
		return res, ErrNoData
	}

	c.logger.Info("Starting collection",
		"run_id", runID,
		"vessels", len(targets),
		"window_hours", windowHours)

	working := make([]Target, len(targets))
	copy(working, targets)
	lastErr := make(map[string]error)

	for attempt := 1; attempt <= c.maxAttempts && len(working) > 0; attempt++ {
		if attempt > 1 {
			res.RetryAttempts += len(working)
			c.logger.Info("Retrying failed vessels",
				"run_id", runID,
				"attempt", attempt,
				"vessels", len(working))
		}

		outcomes := c.runAttempt(ctx, runID, attempt, working, windowHours)

		var remaining []Target
		for i, t := range working {
			out := outcomes[i]
			switch {
			case out.aborted:
				// Cancellation, not a verdict on the vessel.
			case out.err == nil:
				res.Metrics[t.VesselID] = out.metrics
			case probe.IsRetryable(out.err):
				lastErr[t.VesselID] = out.err
				remaining = append(remaining, t)
			default:
				res.Failures[t.VesselID] = out.err
				c.logger.Error("Vessel collection failed permanently",
					"run_id", runID,
					"vessel_id", t.VesselID,
					"attempt", attempt,
					"error", out.err)
			}
		}
		working = remaining

		if err := ctx.Err(); err != nil {
			c.logger.Warn("Collection cancelled",
				"run_id", runID,
				"collected", len(res.Metrics))
			return res, err
		}

		if len(working) > 0 && attempt < c.maxAttempts {
			delay := c.baseBackoff << (attempt - 1)
			c.logger.Debug("Backing off before retry",
				"run_id", runID,
				"delay", delay,
				"vessels", len(working))
			if err := sleep(ctx, delay); err != nil {
				return res, err
			}
		}
	}

	// Whatever survived every attempt failed with a transient error each time.
	for _, t := range working {
		res.Failures[t.VesselID] = lastErr[t.VesselID]
		c.logger.Error("Vessel collection exhausted retries",
			"run_id", runID,
			"vessel_id", t.VesselID,
			"attempts", c.maxAttempts,
			"error", lastErr[t.VesselID])
	}

	c.logger.Info("Completed collection",
		"run_id", runID,
		"successful", len(res.Metrics),
		"failed", len(res.Failures),
		"retry_attempts", res.RetryAttempts)

	if len(res.Metrics) == 0 {
		return res, ErrNoData
	}
	return res, nil
}

// taskOutcome distinguishes an aborted task from a failed one: the zero
// value would otherwise read as a success with empty metrics.
type taskOutcome struct {
	metrics fleet.VesselMetrics
	err     error
	aborted bool
}

func (c *Collector) runAttempt(ctx context.Context, runID string, attempt int, working []Target, windowHours int) []taskOutcome {
	outcomes := make([]taskOutcome, len(working))

	var wg sync.WaitGroup
	for i, t := range working {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.collectVessel(ctx, runID, attempt, t, windowHours)
		}()
	}
	wg.Wait()

	return outcomes
}

func (c *Collector) collectVessel(ctx context.Context, runID string, attempt int, t Target, windowHours int) taskOutcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return taskOutcome{aborted: true}
	}
	defer c.sem.Release(1)

	start := time.Now()
	metrics, err := c.queryVessel(ctx, t, windowHours)
	duration := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// The run is being torn down; the failure says nothing about the
		// vessel, so record nothing and leave it unresolved.
		return taskOutcome{aborted: true}
	}

	att := Attempt{
		RunID:     runID,
		VesselID:  t.VesselID,
		Number:    attempt,
		Success:   err == nil,
		Duration:  duration,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		att.Error = err.Error()
	}
	c.record(ctx, att)

	if err != nil {
		return taskOutcome{err: err}
	}
	return taskOutcome{metrics: metrics}
}

// queryVessel reads the ping history for every configured component of one
// vessel and rolls it up. The first query error fails the whole vessel for
// this attempt; the retry re-queries every component.
func (c *Collector) queryVessel(ctx context.Context, t Target, windowHours int) (fleet.VesselMetrics, error) {
	client, err := c.client(t.VesselID)
	if err != nil {
		return fleet.VesselMetrics{}, fmt.Errorf("probe client for %s: %w", t.VesselID, err)
	}

	pings := make(map[fleet.Role]fleet.PingData, len(t.Components))
	for _, role := range fleet.AllRoles() {
		ips, ok := t.Components[role]
		if !ok {
			continue
		}
		data, err := client.QueryPings(ctx, role, ips, windowHours)
		if err != nil {
			return fleet.VesselMetrics{}, fmt.Errorf("query %s pings: %w", role, err)
		}
		pings[role] = data
	}

	// One observation instant for the whole vessel keeps the per-component
	// downtime agings comparable.
	now := time.Now().UTC()
	components := make(map[fleet.Role]fleet.ComponentStatus, len(pings))
	for role, data := range pings {
		components[role] = fleet.RollUp(data, now)
	}
	return fleet.MetricsFrom(t.VesselID, components, now), nil
}

func (c *Collector) record(ctx context.Context, att Attempt) {
	if c.sink == nil {
		return
	}
	if err := c.sink.RecordAttempt(ctx, att); err != nil {
		c.logger.Warn("Failed to record query attempt",
			"run_id", att.RunID,
			"vessel_id", att.VesselID,
			"attempt", att.Number,
			"error", err)
	}
}

func (c *Collector) client(vesselID string) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[vesselID]; ok {
		return client, nil
	}
	client, err := c.factory(vesselID)
	if err != nil {
		return nil, err
	}
	c.clients[vesselID] = client
	return client, nil
}

// Reset drops every cached probe client. The next collection rebuilds them
// through the factory, picking up configuration changes.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = make(map[string]Client)
}

// TestConnections probes connectivity to every target. One vessel's failure
// never stops the sweep; the result maps each vessel id to reachability.
func (c *Collector) TestConnections(ctx context.Context, targets []Target) map[string]bool {
	results := make(map[string]bool, len(targets))
	for _, t := range targets {
		client, err := c.client(t.VesselID)
		if err != nil {
			c.logger.Error("Probe client construction failed",
				"vessel_id", t.VesselID,
				"error", err)
			results[t.VesselID] = false
			continue
		}
		if err := client.TestConnection(ctx); err != nil {
			c.logger.Warn("Vessel connection test failed",
				"vessel_id", t.VesselID,
				"error", err)
			results[t.VesselID] = false
			continue
		}
		results[t.VesselID] = true
	}
	return results
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
