package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fxrates/internal/clock"
	"fxrates/internal/metrics"
)

// Task names used by the engine.
const (
	TaskRefresh  = "refresh"
	TaskSnapshot = "snapshot"
	TaskCleanup  = "cleanup"
)

var (
	// ErrOverlapSkipped reports a trigger dropped because the previous run is still in flight.
	ErrOverlapSkipped = errors.New("task still running, trigger skipped")
	// ErrUnknownTask is returned by Trigger for names not in the task table.
	ErrUnknownTask = errors.New("unknown task")
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Task is one entry of the task table.
type Task struct {
	Name     string
	Schedule cron.Schedule
	Run      TaskFunc
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
	// RunOnStart names tasks fired once when Run begins.
	RunOnStart []string
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

type entry struct {
	Task
	running atomic.Bool
	next    time.Time
}

// Scheduler fires tasks from an explicit table. A task never overlaps itself: a trigger
// arriving while it runs is skipped, not queued.
type Scheduler struct {
	opts    Options
	entries []*entry
	byName  map[string]*entry
	mu      sync.Mutex
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New validates the task table and computes each task's first fire time.
func New(opts Options, tasks []Task, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	s := &Scheduler{
		opts:   opts,
		byName: make(map[string]*entry, len(tasks)),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}

	now := opts.Clock.Now()
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil || t.Schedule == nil {
			return nil, fmt.Errorf("task %q: name, schedule and run func are required", t.Name)
		}
		if _, dup := s.byName[t.Name]; dup {
			return nil, fmt.Errorf("task %q registered twice", t.Name)
		}
		e := &entry{Task: t, next: t.Schedule.Next(now)}
		s.entries = append(s.entries, e)
		s.byName[t.Name] = e
	}
	for _, name := range opts.RunOnStart {
		if _, ok := s.byName[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
	}
	return s, nil
}

// Tick starts every task due at now in its own goroutine and reports which tasks
// started and which were skipped because they were still running.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (started, skipped []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.next = e.Schedule.Next(now)
		if s.start(ctx, e) {
			started = append(started, e.Name)
		} else {
			skipped = append(skipped, e.Name)
		}
	}
	return started, skipped
}

// Trigger runs a task synchronously outside its schedule under the same overlap guard.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	e, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !e.running.CompareAndSwap(false, true) {
		s.skip(e)
		return fmt.Errorf("%s: %w", name, ErrOverlapSkipped)
	}
	s.wg.Add(1)
	return s.execute(ctx, e, "manual")
}

// Next returns the upcoming fire time of a task.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Running reports whether a task is in flight.
func (s *Scheduler) Running(name string) bool {
	e, ok := s.byName[name]
	return ok && e.running.Load()
}

// Run blocks, sleeping until the earliest fire time and ticking, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		return errors.New("scheduler has no tasks")
	}

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for _, name := range s.opts.RunOnStart {
		e := s.byName[name]
		if !s.start(ctx, e) {
			s.logger.Debug().Str("task", name).Msg("startup run skipped, task already running")
		}
	}

	for {
		name, next := s.earliest()
		delay := next.Sub(s.opts.Clock.Now())
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Str("task", name).Time("next_run", next).Msg("waiting for next task")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.Tick(ctx, s.opts.Clock.Now())
	}
}

// Wait blocks until every in-flight run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tasks lists task names with their next fire time, soonest first.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := append([]*entry(nil), s.entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].next.Before(ordered[j].next) })
	names := make([]string, len(ordered))
	for i, e := range ordered {
		names[i] = e.Name
	}
	return names
}

func (s *Scheduler) earliest() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		name string
		next time.Time
	)
	for _, e := range s.entries {
		if next.IsZero() || e.next.Before(next) {
			name, next = e.Name, e.next
		}
	}
	return name, next
}

func (s *Scheduler) start(ctx context.Context, e *entry) bool {
	if !e.running.CompareAndSwap(false, true) {
		s.skip(e)
		return false
	}
	s.wg.Add(1)
	go func() {
		_ = s.execute(ctx, e, "scheduled")
	}()
	return true
}

func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) error {
	defer s.wg.Done()
	defer e.running.Store(false)

	start := time.Now()
	s.logger.Info().Str("task", e.Name).Str("trigger", trigger).Msg("executing task")

	err := e.Run(ctx)
	elapsed := time.Since(start)
	s.opts.Metrics.RecordTask(e.Name, err, elapsed)
	if err != nil {
		s.logger.Error().Err(err).Str("task", e.Name).Dur("elapsed", elapsed).Msg("task execution failed")
		return err
	}
	s.logger.Debug().Str("task", e.Name).Dur("elapsed", elapsed).Msg("task finished")
	return nil
}

func (s *Scheduler) skip(e *entry) {
	s.opts.Metrics.RecordTaskSkipped(e.Name)
	s.logger.Info().Err(ErrOverlapSkipped).Str("task", e.Name).Msg("skipping overlapping run")
}
