package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fxrates/internal/cache"
	"fxrates/internal/clock"
	"fxrates/internal/fetcher"
	"fxrates/internal/metrics"
	"fxrates/internal/rates"
)

// ErrCycleTimeout reports a cycle abandoned at its deadline. Rates written before the
// deadline stay in the cache.
var ErrCycleTimeout = errors.New("refresh cycle deadline exceeded")

const defaultBatchSize = 50

// Options parameterise an Aggregator.
type Options struct {
	Pairs        []rates.Pair
	BatchSize    int
	Retry        RetryPolicy
	CycleTimeout time.Duration
	Clock        clock.Clock
	// Sleep replaces the retry wait, mainly for tests.
	Sleep   SleepFunc
	Metrics *metrics.Metrics
}

// Report summarises one cycle.
type Report struct {
	Started        time.Time
	Finished       time.Time
	Updated        []rates.Pair
	Degraded       []rates.Pair
	Changes        []rates.Change
	ProviderErrors map[string]error
	Attempts       map[string]int
}

// Duration returns the cycle's wall time.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Aggregator runs failover cycles across providers and writes winners into the cache.
type Aggregator struct {
	providers []fetcher.Provider
	cache     *cache.Cache
	opts      Options
	logger    zerolog.Logger
}

// New orders providers by ascending priority, ties broken by name.
func New(providers []fetcher.Provider, c *cache.Cache, opts Options, logger zerolog.Logger) *Aggregator {
	ordered := append([]fetcher.Provider(nil), providers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() < ordered[j].Priority()
		}
		return ordered[i].Name() < ordered[j].Name()
	})
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	pairs := append([]rates.Pair(nil), opts.Pairs...)
	rates.SortPairs(pairs)
	opts.Pairs = pairs

	return &Aggregator{
		providers: ordered,
		cache:     c,
		opts:      opts,
		logger:    logger.With().Str("component", "aggregator").Logger(),
	}
}

// Providers returns providers in failover order.
func (a *Aggregator) Providers() []fetcher.Provider {
	return append([]fetcher.Provider(nil), a.providers...)
}

// Pairs returns the tracked pairs.
func (a *Aggregator) Pairs() []rates.Pair {
	return append([]rates.Pair(nil), a.opts.Pairs...)
}

// Run executes one cycle. Provider failures are absorbed into the report; the error is
// non-nil only when the cycle was cancelled or hit its deadline.
func (a *Aggregator) Run(ctx context.Context) (Report, error) {
	report := Report{
		Started:        a.opts.Clock.Now(),
		ProviderErrors: make(map[string]error),
		Attempts:       make(map[string]int),
	}

	if a.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CycleTimeout)
		defer cancel()
	}

	pending := append([]rates.Pair(nil), a.opts.Pairs...)
	for _, p := range a.providers {
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}
		if p.Remaining() == 0 {
			report.ProviderErrors[p.Name()] = &fetcher.FetchError{Provider: p.Name(), Kind: fetcher.ErrQuotaExceeded}
			a.logger.Debug().Str("provider", p.Name()).Msg("skipping provider with exhausted quota")
			continue
		}

		samples, attempts, err := a.stage(ctx, p, pending)
		report.Attempts[p.Name()] += attempts
		if err != nil {
			report.ProviderErrors[p.Name()] = err
		}
		samples = acceptPending(pending, samples)
		if len(samples) == 0 {
			continue
		}

		changes := a.cache.SetBatch(samples)
		report.Changes = append(report.Changes, changes...)

		served := make(map[rates.Pair]struct{}, len(samples))
		for _, s := range samples {
			served[s.Pair] = struct{}{}
			report.Updated = append(report.Updated, s.Pair)
		}
		remaining := pending[:0]
		for _, pair := range pending {
			if _, ok := served[pair]; !ok {
				remaining = append(remaining, pair)
			}
		}
		pending = remaining

		a.logger.Debug().Str("provider", p.Name()).Int("served", len(served)).Int("pending", len(pending)).Msg("provider stage complete")
	}

	rates.SortPairs(report.Updated)
	report.Degraded = append([]rates.Pair(nil), pending...)
	report.Finished = a.opts.Clock.Now()

	var runErr error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		runErr = fmt.Errorf("%w after %s", ErrCycleTimeout, a.opts.CycleTimeout)
	case ctx.Err() != nil:
		runErr = ctx.Err()
	}

	a.record(report, runErr)
	return report, runErr
}

// stage sends every chunk of pending to one provider on a pool sized to the provider count.
func (a *Aggregator) stage(ctx context.Context, p fetcher.Provider, pending []rates.Pair) ([]rates.Sample, int, error) {
	chunks := chunk(pending, a.opts.BatchSize)

	var (
		mu       sync.Mutex
		samples  []rates.Sample
		attempts int
		lastErr  error
	)

	var g errgroup.Group
	g.SetLimit(max(1, len(a.providers)))
	for _, c := range chunks {
		g.Go(func() error {
			got, n, err := a.fetchWithRetry(ctx, p, c)
			mu.Lock()
			defer mu.Unlock()
			attempts += n
			samples = append(samples, got...)
			if err != nil {
				lastErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	return samples, attempts, lastErr
}

func (a *Aggregator) fetchWithRetry(ctx context.Context, p fetcher.Provider, pairs []rates.Pair) ([]rates.Sample, int, error) {
	policy := a.opts.Retry
	limit := policy.attempts()

	for n := 1; ; n++ {
		start := time.Now()
		samples, err := p.Fetch(ctx, pairs)
		a.opts.Metrics.RecordProviderCall(p.Name(), fetcher.KindLabel(err), time.Since(start), p.Remaining())
		if err == nil {
			return samples, n, nil
		}

		log := a.logger.Warn().Err(err).Str("provider", p.Name()).Int("attempt", n).Int("pairs", len(pairs))
		if !fetcher.Retryable(err) || n >= limit || ctx.Err() != nil {
			log.Msg("provider call failed")
			return nil, n, err
		}
		wait := policy.delay(n)
		log.Dur("retry_in", wait).Msg("provider call failed, retrying")
		if sleepErr := a.opts.Sleep(ctx, wait); sleepErr != nil {
			return nil, n, err
		}
	}
}

func (a *Aggregator) record(report Report, runErr error) {
	result := "ok"
	switch {
	case runErr != nil:
		result = "aborted"
	case len(report.Degraded) > 0:
		result = "degraded"
	}
	a.opts.Metrics.RecordCycle(result, report.Duration(), len(report.Updated), len(report.Degraded), a.cache.Len(), report.Finished)

	evt := a.logger.Info()
	if len(report.Degraded) > 0 || runErr != nil {
		evt = a.logger.Warn().Strs("degraded", pairStrings(report.Degraded))
	}
	evt.Err(runErr).
		Int("updated", len(report.Updated)).
		Int("degraded_count", len(report.Degraded)).
		Dur("duration", report.Duration()).
		Msg("refresh cycle finished")
}

// acceptPending keeps the first positive sample per pending pair.
func acceptPending(pending []rates.Pair, samples []rates.Sample) []rates.Sample {
	wanted := make(map[rates.Pair]struct{}, len(pending))
	for _, p := range pending {
		wanted[p] = struct{}{}
	}
	out := samples[:0]
	for _, s := range samples {
		if _, ok := wanted[s.Pair]; !ok || !s.Rate.IsPositive() {
			continue
		}
		delete(wanted, s.Pair)
		out = append(out, s)
	}
	return out
}

func chunk(pairs []rates.Pair, size int) [][]rates.Pair {
	out := make([][]rates.Pair, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := min(start+size, len(pairs))
		out = append(out, pairs[start:end:end])
	}
	return out
}

func pairStrings(pairs []rates.Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.String()
	}
	return out
}
