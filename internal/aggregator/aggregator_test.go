package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxrates/internal/cache"
	"fxrates/internal/clock"
	"fxrates/internal/fetcher"
	"fxrates/internal/rates"
)

var (
	usdEUR = rates.MustPair("USD", "EUR")
	usdGBP = rates.MustPair("USD", "GBP")
	usdJPY = rates.MustPair("USD", "JPY")
	eurUSD = rates.MustPair("EUR", "USD")
	gbpUSD = rates.MustPair("GBP", "USD")
)

type fakeProvider struct {
	name      string
	priority  int
	remaining int64
	fn        func(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error)

	mu        sync.Mutex
	calls     int
	requested [][]rates.Pair
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Priority() int    { return f.priority }
func (f *fakeProvider) Remaining() int64 { return f.remaining }

func (f *fakeProvider) Calls() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.calls)
}

func (f *fakeProvider) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	f.mu.Lock()
	f.calls++
	f.requested = append(f.requested, append([]rates.Pair(nil), pairs...))
	f.mu.Unlock()
	return f.fn(ctx, pairs)
}

func serve(values map[rates.Pair]string) func(context.Context, []rates.Pair) ([]rates.Sample, error) {
	return func(_ context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
		var out []rates.Sample
		for _, p := range pairs {
			if v, ok := values[p]; ok {
				out = append(out, rates.Sample{Pair: p, Rate: decimal.RequireFromString(v), Provider: "test"})
			}
		}
		return out, nil
	}
}

func fail(kind error) func(context.Context, []rates.Pair) ([]rates.Sample, error) {
	return func(context.Context, []rates.Pair) ([]rates.Sample, error) {
		return nil, &fetcher.FetchError{Kind: kind, Err: errors.New("test failure")}
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newAggregator(providers []fetcher.Provider, c *cache.Cache, opts Options) *Aggregator {
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	return New(providers, c, opts, zerolog.Nop())
}

func TestQuotaExceededPrimaryFallsBack(t *testing.T) {
	fixer := &fakeProvider{name: "fixer", priority: 1, remaining: -1, fn: fail(fetcher.ErrQuotaExceeded)}
	exchangerate := &fakeProvider{name: "exchangerate", priority: 2, remaining: -1, fn: serve(map[rates.Pair]string{usdEUR: "0.85"})}
	c := cache.New(nil)

	agg := newAggregator([]fetcher.Provider{exchangerate, fixer}, c, Options{
		Pairs: []rates.Pair{usdEUR},
		Retry: RetryPolicy{Attempts: 3, Delay: time.Second},
	})
	report, err := agg.Run(context.Background())
	require.NoError(t, err)

	got, ok := c.Get(usdEUR)
	require.True(t, ok)
	assert.Equal(t, "0.85", got.Rate.String())
	assert.Equal(t, "test", got.SourceProvider)
	assert.EqualValues(t, 1, fixer.Calls(), "quota errors are not retried")
	assert.ErrorIs(t, report.ProviderErrors["fixer"], fetcher.ErrQuotaExceeded)
	assert.Equal(t, []rates.Pair{usdEUR}, report.Updated)
	assert.Empty(t, report.Degraded)
}

func TestPartialResultsFallThrough(t *testing.T) {
	primary := &fakeProvider{name: "a", priority: 1, remaining: -1, fn: serve(map[rates.Pair]string{usdEUR: "0.85"})}
	secondary := &fakeProvider{name: "b", priority: 2, remaining: -1, fn: serve(map[rates.Pair]string{usdEUR: "0.99", usdGBP: "0.75"})}
	c := cache.New(nil)

	report, err := newAggregator([]fetcher.Provider{primary, secondary}, c, Options{Pairs: []rates.Pair{usdEUR, usdGBP}}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, secondary.requested, 1)
	assert.Equal(t, []rates.Pair{usdGBP}, secondary.requested[0])

	eur, _ := c.Get(usdEUR)
	assert.Equal(t, "0.85", eur.Rate.String(), "higher-priority value wins")
	gbp, _ := c.Get(usdGBP)
	assert.Equal(t, "0.75", gbp.Rate.String())
	assert.Len(t, report.Changes, 2)
}

func TestAllProvidersFailKeepsCachedRate(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	c := cache.New(clk)
	c.Set(rates.Sample{Pair: usdEUR, Rate: decimal.RequireFromString("0.85"), Provider: "fixer"})
	before, _ := c.Get(usdEUR)

	clk.Advance(time.Hour)
	a := &fakeProvider{name: "a", priority: 1, remaining: -1, fn: fail(fetcher.ErrNetwork)}
	b := &fakeProvider{name: "b", priority: 2, remaining: -1, fn: fail(fetcher.ErrMalformedResponse)}

	report, err := newAggregator([]fetcher.Provider{a, b}, c, Options{
		Pairs: []rates.Pair{usdEUR},
		Retry: RetryPolicy{Attempts: 2},
		Clock: clk,
	}).Run(context.Background())
	require.NoError(t, err)

	after, ok := c.Get(usdEUR)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, []rates.Pair{usdEUR}, report.Degraded)
	assert.Equal(t, 2, report.Attempts["a"], "network errors are retried")
	assert.Equal(t, 1, report.Attempts["b"], "malformed responses are not retried")
}

func TestRetryThenSuccess(t *testing.T) {
	var (
		mu    sync.Mutex
		waits []time.Duration
		calls int
	)
	p := &fakeProvider{name: "a", priority: 1, remaining: -1}
	p.fn = func(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, &fetcher.FetchError{Kind: fetcher.ErrTimeout}
		}
		return serve(map[rates.Pair]string{usdEUR: "0.85"})(ctx, pairs)
	}
	c := cache.New(nil)

	report, err := newAggregator([]fetcher.Provider{p}, c, Options{
		Pairs: []rates.Pair{usdEUR},
		Retry: RetryPolicy{Attempts: 3, Delay: time.Second, Backoff: BackoffExponential},
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
			return nil
		},
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
	assert.Equal(t, 3, report.Attempts["a"])
	assert.Empty(t, report.Degraded)
}

func TestRetryPolicyDelay(t *testing.T) {
	fixed := RetryPolicy{Delay: 5 * time.Second, Backoff: BackoffFixed}
	assert.Equal(t, 5*time.Second, fixed.delay(1))
	assert.Equal(t, 5*time.Second, fixed.delay(4))

	exp := RetryPolicy{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, exp.delay(1))
	assert.Equal(t, 4*time.Second, exp.delay(3))
	assert.Equal(t, 5*time.Second, exp.delay(4))

	assert.Equal(t, 1, RetryPolicy{}.attempts())
}

func TestBatchingSplitsChunks(t *testing.T) {
	pairs := []rates.Pair{usdEUR, usdGBP, usdJPY, eurUSD, gbpUSD}
	values := map[rates.Pair]string{}
	for _, p := range pairs {
		values[p] = "1.1"
	}
	p := &fakeProvider{name: "a", priority: 1, remaining: -1, fn: serve(values)}
	c := cache.New(nil)

	report, err := newAggregator([]fetcher.Provider{p}, c, Options{Pairs: pairs, BatchSize: 2}).Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, p.Calls())
	for _, req := range p.requested {
		assert.LessOrEqual(t, len(req), 2)
	}
	assert.Len(t, report.Updated, 5)
	assert.Equal(t, 5, c.Len())
}

func TestSkipsProviderWithoutQuota(t *testing.T) {
	empty := &fakeProvider{name: "a", priority: 1, remaining: 0, fn: serve(map[rates.Pair]string{usdEUR: "0.99"})}
	next := &fakeProvider{name: "b", priority: 2, remaining: 10, fn: serve(map[rates.Pair]string{usdEUR: "0.85"})}
	c := cache.New(nil)

	report, err := newAggregator([]fetcher.Provider{empty, next}, c, Options{Pairs: []rates.Pair{usdEUR}}).Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 0, empty.Calls())
	assert.ErrorIs(t, report.ProviderErrors["a"], fetcher.ErrQuotaExceeded)
	got, _ := c.Get(usdEUR)
	assert.Equal(t, "0.85", got.Rate.String())
}

func TestCycleTimeoutKeepsEarlierStages(t *testing.T) {
	fast := &fakeProvider{name: "a", priority: 1, remaining: -1, fn: serve(map[rates.Pair]string{usdEUR: "0.85"})}
	slow := &fakeProvider{name: "b", priority: 2, remaining: -1, fn: func(ctx context.Context, _ []rates.Pair) ([]rates.Sample, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := cache.New(nil)

	report, err := newAggregator([]fetcher.Provider{fast, slow}, c, Options{
		Pairs:        []rates.Pair{usdEUR, usdGBP},
		CycleTimeout: 50 * time.Millisecond,
	}).Run(context.Background())
	require.ErrorIs(t, err, ErrCycleTimeout)

	_, ok := c.Get(usdEUR)
	assert.True(t, ok)
	assert.Equal(t, []rates.Pair{usdGBP}, report.Degraded)
}

func TestProvidersOrderedByPriority(t *testing.T) {
	a := &fakeProvider{name: "zeta", priority: 1}
	b := &fakeProvider{name: "alpha", priority: 2}
	d := &fakeProvider{name: "beta", priority: 2}
	agg := New([]fetcher.Provider{d, b, a}, cache.New(nil), Options{}, zerolog.Nop())

	names := []string{}
	for _, p := range agg.Providers() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"zeta", "alpha", "beta"}, names)
}
