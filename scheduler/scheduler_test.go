package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balakumargv-solx/infra-agent/monitor"
	"github.com/balakumargv-solx/infra-agent/scheduler"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
	ran   chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan struct{}, 8)}
}

func (f *fakeRunner) Run(ctx context.Context) (*monitor.Report, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	defer func() { f.ran <- struct{}{} }()
	if f.err != nil {
		return nil, f.err
	}
	return &monitor.Report{RunID: "run-1", Success: true}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRunner) waitForRun(t *testing.T) {
	t.Helper()
	select {
	case <-f.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the monitoring cycle to run")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	runner := newFakeRunner()

	tests := []struct {
		name string
		cfg  scheduler.Config
		ok   bool
	}{
		{"valid", scheduler.Config{Hour: 2, Minute: 30, Timezone: "UTC"}, true},
		{"empty timezone defaults", scheduler.Config{Hour: 0, Minute: 0}, true},
		{"hour too large", scheduler.Config{Hour: 24, Minute: 0}, false},
		{"negative minute", scheduler.Config{Hour: 1, Minute: -1}, false},
		{"unknown timezone", scheduler.Config{Hour: 1, Minute: 0, Timezone: "Mars/Olympus"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := scheduler.New(runner, tt.cfg)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}

	_, err := scheduler.New(nil, scheduler.Config{Hour: 1})
	require.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	runner := newFakeRunner()
	s, err := scheduler.New(runner, scheduler.Config{Hour: 2, Minute: 30, Timezone: "UTC"})
	require.NoError(t, err)

	stats := s.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, "02:30", stats.DailyTime)
	assert.Equal(t, "UTC", stats.Timezone)
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Nil(t, stats.NextRunTime)
	assert.True(t, s.NextRunTime().IsZero())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	require.Error(t, s.Start(ctx))

	next := s.NextRunTime()
	require.False(t, next.IsZero())
	assert.Equal(t, 2, next.UTC().Hour())
	assert.Equal(t, 30, next.UTC().Minute())
	until := time.Until(next)
	assert.Greater(t, until, time.Duration(0))
	assert.LessOrEqual(t, until, 24*time.Hour+time.Minute)

	stats = s.Stats()
	assert.True(t, stats.Running)
	require.NotNil(t, stats.NextRunTime)

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
	require.NoError(t, s.Stop(ctx))
}

func TestTriggerNow(t *testing.T) {
	runner := newFakeRunner()
	s, err := scheduler.New(runner, scheduler.Config{Hour: 2, Minute: 30, Timezone: "UTC"})
	require.NoError(t, err)

	require.ErrorIs(t, s.TriggerNow(), scheduler.ErrNotStarted)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.NoError(t, s.TriggerNow())
	runner.waitForRun(t)
	assert.Equal(t, 1, runner.callCount())
}

func TestTriggerNowToleratesBusyPipeline(t *testing.T) {
	runner := newFakeRunner()
	runner.err = monitor.ErrAlreadyRunning
	s, err := scheduler.New(runner, scheduler.Config{Hour: 2, Minute: 30, Timezone: "UTC"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Stop(context.Background()) })

	// A busy pipeline is a skip, not a trigger failure.
	require.NoError(t, s.TriggerNow())
	runner.waitForRun(t)
}

func TestUpdateSchedule(t *testing.T) {
	runner := newFakeRunner()
	s, err := scheduler.New(runner, scheduler.Config{Hour: 2, Minute: 30, Timezone: "UTC"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.NoError(t, s.UpdateSchedule(scheduler.Config{Hour: 5, Minute: 45, Timezone: "UTC"}))

	stats := s.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, "05:45", stats.DailyTime)

	next := s.NextRunTime()
	require.False(t, next.IsZero())
	assert.Equal(t, 5, next.UTC().Hour())
	assert.Equal(t, 45, next.UTC().Minute())

	// Invalid updates leave the schedule alone.
	require.Error(t, s.UpdateSchedule(scheduler.Config{Hour: 99}))
	assert.Equal(t, "05:45", s.Stats().DailyTime)
}
