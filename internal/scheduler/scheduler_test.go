package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/clock"
	"fxrates/internal/metrics"
)

var t0 = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func every(t *testing.T, d time.Duration) cron.Schedule {
	t.Helper()
	s, err := Every(d)
	require.NoError(t, err)
	return s
}

func TestTickRunsDueTasks(t *testing.T) {
	clk := clock.NewFake(t0)
	var runs atomic.Int32
	s, err := New(Options{Clock: clk}, []Task{
		{Name: TaskRefresh, Schedule: every(t, 5*time.Minute), Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}},
	}, zerolog.Nop())
	require.NoError(t, err)

	started, skipped := s.Tick(context.Background(), t0.Add(time.Minute))
	assert.Empty(t, started)
	assert.Empty(t, skipped)

	started, _ = s.Tick(context.Background(), t0.Add(5*time.Minute))
	s.Wait()
	assert.Equal(t, []string{TaskRefresh}, started)
	assert.EqualValues(t, 1, runs.Load())

	next, ok := s.Next(TaskRefresh)
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Minute), next)
}

func TestOverlappingTriggerIsSkippedNotQueued(t *testing.T) {
	clk := clock.NewFake(t0)
	m := metrics.New(prometheus.NewRegistry())
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var runs atomic.Int32

	s, err := New(Options{Clock: clk, Metrics: m}, []Task{
		{Name: TaskRefresh, Schedule: every(t, 5*time.Minute), Run: func(context.Context) error {
			runs.Add(1)
			entered <- struct{}{}
			<-release
			return nil
		}},
	}, zerolog.Nop())
	require.NoError(t, err)

	started, _ := s.Tick(context.Background(), t0.Add(5*time.Minute))
	require.Equal(t, []string{TaskRefresh}, started)
	<-entered

	started, skipped := s.Tick(context.Background(), t0.Add(10*time.Minute))
	assert.Empty(t, started)
	assert.Equal(t, []string{TaskRefresh}, skipped)

	err = s.Trigger(context.Background(), TaskRefresh)
	assert.ErrorIs(t, err, ErrOverlapSkipped)

	close(release)
	s.Wait()
	assert.EqualValues(t, 1, runs.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskSkippedTotal.WithLabelValues(TaskRefresh)))
	assert.False(t, s.Running(TaskRefresh))
}

func TestTriggerRunsSynchronouslyAndReturnsError(t *testing.T) {
	boom := errors.New("boom")
	s, err := New(Options{Clock: clock.NewFake(t0)}, []Task{
		{Name: TaskCleanup, Schedule: every(t, time.Hour), Run: func(context.Context) error { return boom }},
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Trigger(context.Background(), TaskCleanup), boom)
	assert.False(t, s.Running(TaskCleanup))
	assert.ErrorIs(t, s.Trigger(context.Background(), "nope"), ErrUnknownTask)
}

func TestFailedRunDoesNotBlockNextRun(t *testing.T) {
	clk := clock.NewFake(t0)
	var runs atomic.Int32
	s, err := New(Options{Clock: clk}, []Task{
		{Name: TaskRefresh, Schedule: every(t, time.Minute), Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("provider outage")
		}},
	}, zerolog.Nop())
	require.NoError(t, err)

	s.Tick(context.Background(), t0.Add(time.Minute))
	s.Wait()
	started, _ := s.Tick(context.Background(), t0.Add(2*time.Minute))
	s.Wait()
	assert.Equal(t, []string{TaskRefresh}, started)
	assert.EqualValues(t, 2, runs.Load())
}

func TestNewValidatesTable(t *testing.T) {
	run := func(context.Context) error { return nil }
	_, err := New(Options{}, []Task{{Name: "a", Schedule: every(t, time.Minute), Run: run}, {Name: "a", Schedule: every(t, time.Minute), Run: run}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{}, []Task{{Name: "a", Run: run}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{RunOnStart: []string{"b"}}, []Task{{Name: "a", Schedule: every(t, time.Minute), Run: run}}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRunFiresStartupTaskAndStops(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := New(Options{RunOnStart: []string{TaskRefresh}}, []Task{
		{Name: TaskRefresh, Schedule: every(t, time.Hour), Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		}},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("startup refresh did not run")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	s.Wait()
}

func TestSchedules(t *testing.T) {
	_, err := Every(time.Millisecond)
	assert.Error(t, err)

	daily, err := DailyAt(2, "Asia/Tokyo")
	require.NoError(t, err)
	// 2024-03-15 12:00 UTC is 21:00 in Tokyo; next 02:00 JST is 17:00 UTC.
	assert.Equal(t, time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC), daily.Next(t0).UTC())

	weekly, err := Parse("30 3 * * 0", "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 17, 3, 30, 0, 0, time.UTC), weekly.Next(t0).UTC())

	_, err = DailyAt(24, "UTC")
	assert.Error(t, err)
	_, err = Parse("30 3 * * 0", "Mars/Olympus")
	assert.Error(t, err)
}
