package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/alerting"
	"fxrates/internal/clock"
	"fxrates/internal/config"
	"fxrates/internal/fetcher"
	"fxrates/internal/history"
	"fxrates/internal/rates"
	"fxrates/internal/scheduler"
	"fxrates/internal/storage"
)

var (
	usdEUR = rates.MustPair("USD", "EUR")
	eurUSD = rates.MustPair("EUR", "USD")
)

type stubProvider struct {
	name      string
	priority  int
	remaining int64
	calls     atomic.Int64

	mu    sync.Mutex
	table map[rates.Pair]string
	err   error
	// gate, when set, blocks Fetch until closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}
}

func (p *stubProvider) Name() string     { return p.name }
func (p *stubProvider) Priority() int    { return p.priority }
func (p *stubProvider) Remaining() int64 { return p.remaining }
func (p *stubProvider) Calls() int64     { return p.calls.Load() }

func (p *stubProvider) set(pair rates.Pair, rate string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.table == nil {
		p.table = make(map[rates.Pair]string)
	}
	p.table[pair] = rate
}

func (p *stubProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProvider) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	p.calls.Add(1)
	if p.gate != nil {
		p.entered <- struct{}{}
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	var out []rates.Sample
	for _, pair := range pairs {
		if raw, ok := p.table[pair]; ok {
			out = append(out, rates.Sample{Pair: pair, Rate: decimal.RequireFromString(raw), Provider: p.name})
		}
	}
	return out, nil
}

type memMirror struct {
	mu      sync.Mutex
	entries map[rates.Pair]rates.CachedRate
	pingErr error
}

func (m *memMirror) Publish(_ context.Context, entries []rates.CachedRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[rates.Pair]rates.CachedRate)
	}
	for _, e := range entries {
		m.entries[e.Pair] = e
	}
	return nil
}

func (m *memMirror) Load(context.Context) ([]rates.CachedRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rates.CachedRate, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memMirror) Ping(context.Context) error { return m.pingErr }

type collectingNotifier struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (c *collectingNotifier) Notify(_ context.Context, a alerting.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *collectingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{AdvisoryLockKey: 42},
		Currency: config.CurrencyConfig{
			BaseCurrency:       "USD",
			Supported:          []string{"EUR", "GBP", "JPY"},
			TrackedPairs:       []string{"USD/EUR"},
			MajorPairs:         []string{"EUR/USD"},
			MaxHistoricalDays:  365,
			CacheExpiryMinutes: 60,
		},
		RateUpdate: config.RateUpdateConfig{
			IntervalMinutes:      15,
			RetryAttempts:        1,
			BatchSize:            50,
			CleanupRetentionDays: 90,
		},
		Scheduler: config.SchedulerConfig{
			Timezone:        "UTC",
			CleanupSchedule: "0 2 * * 0",
		},
		Conversion: config.ConversionConfig{
			MinAmount:        "0.01",
			MaxAmount:        "1000000",
			DefaultPrecision: 2,
			RoundingMode:     "ROUND_HALF_UP",
		},
		Alerts: config.AlertsConfig{
			Enabled:          true,
			ThresholdPercent: 5,
			CooldownMinutes:  60,
			MaxAlertsPerDay:  10,
		},
	}
}

type fixture struct {
	engine   *Engine
	clock    *clock.Fake
	store    *storage.MemoryStore
	mirror   *memMirror
	notifier *collectingNotifier
	fixer    *stubProvider
	backup   *stubProvider
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clock.NewFake(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)),
		store:    storage.NewMemoryStore(),
		mirror:   &memMirror{},
		notifier: &collectingNotifier{},
		fixer:    &stubProvider{name: "fixer", priority: 1, remaining: 0},
		backup:   &stubProvider{name: "exchangerate", priority: 2, remaining: -1},
	}
	f.backup.set(usdEUR, "0.85")
	f.backup.set(eurUSD, "1.1764705882")

	engine, err := New(cfg, Dependencies{
		Providers: []fetcher.Provider{f.fixer, f.backup},
		Snapshots: f.store,
		Alerts:    f.store,
		Locker:    f.store,
		Pinger:    f.store,
		Mirror:    f.mirror,
		Notifier:  f.notifier,
		Clock:     f.clock,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.engine = engine
	t.Cleanup(engine.Close)
	return f
}

func TestManualRefreshFailsOverAndRecords(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	report, err := f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []rates.Pair{eurUSD, usdEUR}, report.Updated)
	assert.Empty(t, report.Degraded)
	assert.Zero(t, f.fixer.Calls(), "exhausted provider must not be called")

	q, ok := f.engine.GetRate(usdEUR)
	require.True(t, ok)
	assert.Equal(t, "0.85", q.Rate.String())
	assert.Equal(t, "exchangerate", q.SourceProvider)
	assert.False(t, q.Stale)

	res, err := f.engine.Convert("USD", "EUR", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "85.00", res.Converted.StringFixed(2))

	seq, err := f.engine.GetHistory(ctx, usdEUR, f.clock.Now(), f.clock.Now())
	require.NoError(t, err)
	snaps, err := history.Collect(seq)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, rates.RetentionRefresh, snaps[0].RetentionClass)

	mirrored, err := f.mirror.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, mirrored, 2)
}

func TestStaleRatesSurviveProviderOutage(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)

	f.backup.fail(&fetcher.FetchError{Provider: "exchangerate", Kind: fetcher.ErrMalformedResponse})
	f.clock.Advance(2 * time.Hour)

	report, err := f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []rates.Pair{eurUSD, usdEUR}, report.Degraded)

	q, ok := f.engine.GetRate(usdEUR)
	require.True(t, ok)
	assert.Equal(t, "0.85", q.Rate.String())
	assert.True(t, q.Stale)

	health := f.engine.Health(ctx)
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Equal(t, 2, health.StaleRates)
	require.NotNil(t, health.LastCycle)
	assert.Len(t, health.LastCycle.Degraded, 2)
}

func TestManualRefreshDoesNotOverlap(t *testing.T) {
	f := newFixture(t, testConfig())
	f.backup.gate = make(chan struct{})
	f.backup.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.TriggerManualRefresh(context.Background())
		done <- err
	}()
	<-f.backup.entered

	_, err := f.engine.TriggerManualRefresh(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrOverlapSkipped)

	close(f.backup.gate)
	require.NoError(t, <-done)
}

func TestRefreshSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, testConfig())
	unlock, ok, err := f.store.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.TriggerManualRefresh(context.Background())
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Zero(t, f.backup.Calls())

	unlock()
	_, err = f.engine.TriggerManualRefresh(context.Background())
	assert.NoError(t, err)
}

func TestRefreshRaisesAlertOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)

	f.backup.set(usdEUR, "0.901")
	f.clock.Advance(15 * time.Minute)
	_, err = f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)

	f.backup.set(usdEUR, "0.955")
	f.clock.Advance(10 * time.Minute)
	_, err = f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)

	f.engine.Close()
	assert.Equal(t, 1, f.notifier.count())

	recs, err := f.engine.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, usdEUR, recs[0].Pair)
}

func TestWarmRestoresMirroredRates(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.mirror.Publish(context.Background(), []rates.CachedRate{{
		Pair:           usdEUR,
		Rate:           decimal.RequireFromString("0.84"),
		LastUpdated:    f.clock.Now().Add(-time.Hour),
		SourceProvider: "fixer",
	}}))

	assert.Equal(t, 1, f.engine.Warm(context.Background()))
	q, ok := f.engine.GetRate(usdEUR)
	require.True(t, ok)
	assert.Equal(t, "0.84", q.Rate.String())
}

func TestSnapshotAndCleanup(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	n, err := f.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "empty cache writes nothing")

	_, err = f.engine.TriggerManualRefresh(ctx)
	require.NoError(t, err)
	n, err = f.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	today := rates.DateIn(f.clock.Now(), time.UTC)
	require.NoError(t, f.store.UpsertSnapshots(ctx, []rates.Snapshot{
		{Pair: usdEUR, Rate: decimal.RequireFromString("0.9"), CapturedAt: today.AddDate(0, 0, -91), RetentionClass: rates.RetentionDaily},
		{Pair: usdEUR, Rate: decimal.RequireFromString("0.9"), CapturedAt: today.AddDate(0, 0, -89), RetentionClass: rates.RetentionDaily},
	}))

	purged, err := f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	count, err := f.store.CountSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestHealthHealthyAfterRefresh(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.engine.TriggerManualRefresh(context.Background())
	require.NoError(t, err)

	health := f.engine.Health(context.Background())
	assert.Equal(t, StatusHealthy, health.Status)
	assert.True(t, health.Database.OK)
	assert.True(t, health.Redis.OK)
	assert.Equal(t, 2, health.CacheSize)
	require.Len(t, health.Providers, 2)
	assert.Equal(t, "fixer", health.Providers[0].Name)

	f.mirror.pingErr = errors.New("connection refused")
	assert.Equal(t, StatusDegraded, f.engine.Health(context.Background()).Status)
}

func TestCatalogue(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.Equal(t, []string{"EUR", "GBP", "JPY", "USD"}, f.engine.SupportedCurrencies())
	assert.Equal(t, []rates.Pair{eurUSD}, f.engine.MajorPairs())
	assert.Equal(t, []rates.Pair{eurUSD, usdEUR}, f.engine.TrackedPairs())
	assert.Equal(t, "USD", f.engine.BaseCurrency())
}

func TestNewRejectsUnsupportedTrackedPair(t *testing.T) {
	cfg := testConfig()
	cfg.Currency.TrackedPairs = []string{"USD/CHF"}
	_, err := New(cfg, Dependencies{
		Providers: []fetcher.Provider{&stubProvider{name: "p"}},
		Snapshots: storage.NewMemoryStore(),
	}, zerolog.Nop())
	assert.Error(t, err)
}
