package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxrates/internal/aggregator"
	"fxrates/internal/alerting"
	"fxrates/internal/cache"
	"fxrates/internal/clock"
	"fxrates/internal/config"
	"fxrates/internal/conversion"
	"fxrates/internal/fetcher"
	"fxrates/internal/history"
	"fxrates/internal/metrics"
	"fxrates/internal/rates"
	"fxrates/internal/scheduler"
	"fxrates/internal/storage"
)

// ErrLockHeld is returned when another process holds the refresh lock.
var ErrLockHeld = errors.New("refresh lock held by another process")

// Mirror is the optional external copy of the cache.
type Mirror interface {
	Publish(ctx context.Context, entries []rates.CachedRate) error
	Load(ctx context.Context) ([]rates.CachedRate, error)
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the engine does not build itself.
type Dependencies struct {
	Providers []fetcher.Provider
	Snapshots storage.SnapshotStore
	// Alerts, Locker, Pinger, Mirror and Notifier are optional.
	Alerts   storage.AlertStore
	Locker   storage.AdvisoryLocker
	Pinger   storage.Pinger
	Mirror   Mirror
	Notifier alerting.Notifier
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Sleep    aggregator.SleepFunc
}

// Quote is a cached rate with its freshness flag.
type Quote struct {
	rates.CachedRate
	Stale bool
}

// Engine wires the cache, aggregator, history, scheduler, conversion and alerting together.
type Engine struct {
	cfg       *config.Config
	deps      Dependencies
	universe  *rates.Universe
	majors    []rates.Pair
	cache     *cache.Cache
	agg       *aggregator.Aggregator
	history   *history.Store
	converter *conversion.Engine
	monitor   *alerting.Monitor
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	logger    zerolog.Logger

	mu         sync.RWMutex
	lastReport *aggregator.Report
	lastErr    error
}

type reportKey struct{}

// New builds an engine from configuration.
func New(cfg *config.Config, deps Dependencies, logger zerolog.Logger) (*Engine, error) {
	if deps.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if len(deps.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	supported := cfg.Currency.Supported
	if len(supported) == 0 {
		supported = rates.DefaultSupported
	}
	universe, err := rates.NewUniverse(cfg.Currency.BaseCurrency, supported)
	if err != nil {
		return nil, fmt.Errorf("build currency set: %w", err)
	}

	majorCodes := cfg.Currency.MajorPairs
	if len(majorCodes) == 0 {
		majorCodes = rates.DefaultMajorPairs
	}
	majors, err := universe.TrackedPairs(majorCodes, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve major pairs: %w", err)
	}
	tracked, err := universe.TrackedPairs(cfg.Currency.TrackedPairs, majorCodes)
	if err != nil {
		return nil, fmt.Errorf("resolve tracked pairs: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		universe: universe,
		majors:   majors,
		clock:    deps.Clock,
		logger:   logger.With().Str("component", "engine").Logger(),
	}

	e.cache = cache.New(deps.Clock)
	e.agg = aggregator.New(deps.Providers, e.cache, aggregator.Options{
		Pairs:     tracked,
		BatchSize: cfg.RateUpdate.BatchSize,
		Retry: aggregator.RetryPolicy{
			Attempts: cfg.RateUpdate.RetryAttempts,
			Delay:    time.Duration(cfg.RateUpdate.RetryDelaySeconds) * time.Second,
			Backoff:  cfg.RateUpdate.RetryBackoff,
			MaxDelay: time.Duration(cfg.RateUpdate.MaxRetryDelaySeconds) * time.Second,
		},
		CycleTimeout: cfg.RateUpdate.CycleTimeout,
		Clock:        deps.Clock,
		Sleep:        deps.Sleep,
		Metrics:      deps.Metrics,
	}, logger)

	e.history = history.New(deps.Snapshots, history.Options{
		MaxRangeDays:  cfg.Currency.MaxHistoricalDays,
		RetentionDays: cfg.RateUpdate.CleanupRetentionDays,
		Location:      loc,
		Clock:         deps.Clock,
		Metrics:       deps.Metrics,
	}, logger)

	minAmount, maxAmount, err := amountBounds(cfg.Conversion)
	if err != nil {
		return nil, err
	}
	e.converter, err = conversion.New(e.cache, conversion.Options{
		Universe:  universe,
		MinAmount: minAmount,
		MaxAmount: maxAmount,
		Precision: cfg.Conversion.DefaultPrecision,
		Rounding:  cfg.Conversion.RoundingMode,
		Metrics:   deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	threshold := decimal.Zero
	if cfg.Alerts.Enabled && cfg.Alerts.ThresholdPercent > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerts.ThresholdPercent)
	}
	e.monitor = alerting.NewMonitor(alerting.MonitorOptions{
		ThresholdPct: threshold,
		Cooldown:     cfg.Alerts.Cooldown(),
		MaxPerDay:    cfg.Alerts.MaxAlertsPerDay,
		Location:     loc,
		Channels:     channelNames(deps.Notifier),
		Clock:        deps.Clock,
		Metrics:      deps.Metrics,
	}, deps.Notifier, deps.Alerts, logger)

	tasks, err := e.tasks()
	if err != nil {
		return nil, err
	}
	var onStart []string
	if cfg.Scheduler.RefreshOnStart {
		onStart = []string{scheduler.TaskRefresh}
	}
	e.scheduler, err = scheduler.New(scheduler.Options{
		StartupDelay: cfg.Scheduler.StartupDelay,
		RunOnStart:   onStart,
		Clock:        deps.Clock,
		Metrics:      deps.Metrics,
	}, tasks, logger)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) tasks() ([]scheduler.Task, error) {
	every, err := scheduler.Every(e.cfg.RateUpdate.Interval())
	if err != nil {
		return nil, fmt.Errorf("refresh schedule: %w", err)
	}
	daily, err := scheduler.DailyAt(e.cfg.RateUpdate.HistoricalUpdateHour, e.cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("snapshot schedule: %w", err)
	}
	weekly, err := scheduler.Parse(e.cfg.Scheduler.CleanupSchedule, e.cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule: %w", err)
	}

	return []scheduler.Task{
		{Name: scheduler.TaskRefresh, Schedule: every, Run: e.refreshTask},
		{Name: scheduler.TaskSnapshot, Schedule: daily, Run: func(ctx context.Context) error {
			_, err := e.Snapshot(ctx)
			return err
		}},
		{Name: scheduler.TaskCleanup, Schedule: weekly, Run: func(ctx context.Context) error {
			_, err := e.Cleanup(ctx)
			return err
		}},
	}, nil
}

// Run warms the cache and drives the scheduler until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.Warm(ctx)
	e.logger.Info().
		Int("providers", len(e.agg.Providers())).
		Int("pairs", len(e.agg.Pairs())).
		Strs("tasks", e.scheduler.Tasks()).
		Msg("engine started")

	err := e.scheduler.Run(ctx)
	e.scheduler.Wait()
	e.monitor.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Warm restores previously mirrored rates into the cache.
func (e *Engine) Warm(ctx context.Context) int {
	if e.deps.Mirror == nil {
		return 0
	}
	entries, err := e.deps.Mirror.Load(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("cache warm load failed")
		return 0
	}
	n := e.cache.Restore(entries)
	e.logger.Info().Int("restored", n).Msg("cache warmed from mirror")
	return n
}

func (e *Engine) refreshTask(ctx context.Context) error {
	report, err := e.refresh(ctx)
	if out, ok := ctx.Value(reportKey{}).(*aggregator.Report); ok {
		*out = report
		return err
	}
	if errors.Is(err, ErrLockHeld) {
		e.logger.Debug().Msg("skip refresh because advisory lock held elsewhere")
		return nil
	}
	return err
}

// refresh runs one aggregator cycle followed by mirroring, history and alerting.
func (e *Engine) refresh(ctx context.Context) (aggregator.Report, error) {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return aggregator.Report{}, err
	}
	if !proceed {
		return aggregator.Report{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	report, runErr := e.agg.Run(ctx)
	e.mu.Lock()
	e.lastReport = &report
	e.lastErr = runErr
	e.mu.Unlock()

	if len(report.Updated) > 0 {
		updated := make([]rates.CachedRate, 0, len(report.Updated))
		for _, pair := range report.Updated {
			if r, ok := e.cache.Get(pair); ok {
				updated = append(updated, r)
			}
		}
		if e.deps.Mirror != nil {
			if err := e.deps.Mirror.Publish(ctx, updated); err != nil {
				e.logger.Warn().Err(err).Msg("failed to publish rates to mirror")
			}
		}
		if _, err := e.history.RecordRefresh(ctx, updated, report.Finished); err != nil {
			e.logger.Error().Err(err).Msg("failed to record refresh snapshot")
		}
	}

	e.monitor.Inspect(ctx, report.Changes)
	return report, runErr
}

// TriggerManualRefresh runs a refresh now under the same overlap guard as the schedule.
func (e *Engine) TriggerManualRefresh(ctx context.Context) (aggregator.Report, error) {
	var report aggregator.Report
	err := e.scheduler.Trigger(context.WithValue(ctx, reportKey{}, &report), scheduler.TaskRefresh)
	return report, err
}

// Trigger runs any named task now.
func (e *Engine) Trigger(ctx context.Context, task string) error {
	return e.scheduler.Trigger(ctx, task)
}

// Snapshot records the daily snapshot of the whole cache.
func (e *Engine) Snapshot(ctx context.Context) (int, error) {
	entries := e.cache.All()
	if len(entries) == 0 {
		e.logger.Warn().Msg("cache empty, daily snapshot skipped")
		return 0, nil
	}
	return e.history.Snapshot(ctx, entries, e.clock.Now())
}

// Cleanup purges expired history and alert audit rows and prunes idle alert state.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	now := e.clock.Now()
	purged, err := e.history.PurgeExpired(ctx, now)
	if err != nil {
		return purged, err
	}
	if e.deps.Alerts != nil {
		n, err := e.deps.Alerts.DeleteAlertsBefore(ctx, e.history.RetentionCutoff(now))
		if err != nil {
			return purged, fmt.Errorf("purge alert records: %w", err)
		}
		if n > 0 {
			e.logger.Info().Int64("deleted", n).Msg("expired alert records purged")
		}
	}
	if pruned := e.monitor.Prune(now); pruned > 0 {
		e.logger.Debug().Int("pruned", pruned).Msg("idle alert states pruned")
	}
	return purged, nil
}

// GetRates returns every cached rate sorted by pair.
func (e *Engine) GetRates() []Quote {
	now := e.clock.Now()
	all := e.cache.All()
	out := make([]Quote, len(all))
	for i, r := range all {
		out[i] = e.quote(r, now)
	}
	return out
}

// GetRate returns the cached rate for pair.
func (e *Engine) GetRate(pair rates.Pair) (Quote, bool) {
	r, ok := e.cache.Get(pair)
	if !ok {
		return Quote{}, false
	}
	return e.quote(r, e.clock.Now()), true
}

func (e *Engine) quote(r rates.CachedRate, now time.Time) Quote {
	return Quote{CachedRate: r, Stale: r.IsStale(now, e.cfg.Currency.CacheExpiry())}
}

// Convert converts amount using cached rates only.
func (e *Engine) Convert(from, to string, amount decimal.Decimal) (conversion.Result, error) {
	return e.converter.Convert(from, to, amount)
}

// ConversionPrecision returns the configured rounding places.
func (e *Engine) ConversionPrecision() int32 {
	return e.converter.Precision()
}

// GetHistory returns a lazy, date-ascending sequence of snapshots.
func (e *Engine) GetHistory(ctx context.Context, pair rates.Pair, from, to time.Time) (iter.Seq2[rates.Snapshot, error], error) {
	return e.history.Query(ctx, pair, from, to)
}

// RecentAlerts lists audited alerts, newest first.
func (e *Engine) RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	if e.deps.Alerts == nil {
		return nil, nil
	}
	return e.deps.Alerts.ListRecentAlerts(ctx, limit)
}

// SupportedCurrencies returns the sorted supported codes.
func (e *Engine) SupportedCurrencies() []string {
	return e.universe.Codes()
}

// MajorPairs returns the always-tracked pairs.
func (e *Engine) MajorPairs() []rates.Pair {
	return append([]rates.Pair(nil), e.majors...)
}

// TrackedPairs returns every pair refreshed each cycle.
func (e *Engine) TrackedPairs() []rates.Pair {
	return e.agg.Pairs()
}

// BaseCurrency returns the configured base.
func (e *Engine) BaseCurrency() string {
	return e.universe.Base()
}

// AlertStates exposes per-pair alert bookkeeping.
func (e *Engine) AlertStates() []alerting.State {
	return e.monitor.States()
}

// Close waits for pending alert dispatches and releases provider resources.
func (e *Engine) Close() {
	e.scheduler.Wait()
	e.monitor.Wait()
	for _, p := range e.deps.Providers {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	key := e.cfg.Database.AdvisoryLockKey
	if key == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func amountBounds(cfg config.ConversionConfig) (decimal.Decimal, decimal.Decimal, error) {
	parse := func(name, raw string) (decimal.Decimal, error) {
		if raw == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("conversion.%s: %w", name, err)
		}
		return d, nil
	}
	minAmount, err := parse("min_amount", cfg.MinAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	maxAmount, err := parse("max_amount", cfg.MaxAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return minAmount, maxAmount, nil
}

func channelNames(n alerting.Notifier) []string {
	if named, ok := n.(interface{ Names() []string }); ok {
		return named.Names()
	}
	return nil
}
