package fetcher

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fxrates/internal/clock"
	"fxrates/internal/rates"
)

const defaultTimeout = 10 * time.Second

// AdapterOptions parameterise an Adapter.
type AdapterOptions struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Quota    *Quota
	Clock    clock.Clock
}

// Adapter wraps a Source with a per-call timeout, a monthly quota and an attempt counter.
// It never retries.
type Adapter struct {
	name     string
	priority int
	timeout  time.Duration
	quota    *Quota
	clock    clock.Clock
	source   Source
	calls    atomic.Int64
	logger   zerolog.Logger
}

// NewAdapter constructs an Adapter.
func NewAdapter(opts AdapterOptions, source Source, logger zerolog.Logger) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Quota == nil {
		opts.Quota = NewQuota(0, opts.Clock)
	}
	return &Adapter{
		name:     opts.Name,
		priority: opts.Priority,
		timeout:  opts.Timeout,
		quota:    opts.Quota,
		clock:    opts.Clock,
		source:   source,
		logger:   logger.With().Str("component", "provider").Str("provider", opts.Name).Logger(),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return a.name }

// Priority returns the failover rank; lower is preferred.
func (a *Adapter) Priority() int { return a.priority }

// Remaining returns calls left this month, or -1 when unlimited.
func (a *Adapter) Remaining() int64 { return a.quota.Remaining() }

// Calls returns the number of attempts so far.
func (a *Adapter) Calls() int64 { return a.calls.Load() }

// Fetch performs one bounded call against the source.
func (a *Adapter) Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error) {
	a.calls.Add(1)

	if err := a.quota.Reserve(); err != nil {
		return nil, &FetchError{Provider: a.name, Kind: ErrQuotaExceeded, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	samples, err := a.source.Fetch(callCtx, pairs)
	if err != nil {
		fe := a.classify(ctx, callCtx, err)
		if errors.Is(fe, ErrQuotaExceeded) {
			a.quota.Exhaust()
		}
		a.logger.Debug().Err(fe).Int("pairs", len(pairs)).Msg("provider call failed")
		return nil, fe
	}

	return a.accept(pairs, samples), nil
}

// accept keeps positive rates for requested pairs and stamps provider and time.
func (a *Adapter) accept(pairs []rates.Pair, samples []rates.Sample) []rates.Sample {
	wanted := make(map[rates.Pair]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p] = struct{}{}
	}

	now := a.clock.Now()
	out := make([]rates.Sample, 0, len(samples))
	for _, s := range samples {
		if _, ok := wanted[s.Pair]; !ok {
			continue
		}
		if !s.Rate.IsPositive() {
			a.logger.Warn().Str("pair", s.Pair.String()).Str("rate", s.Rate.String()).Msg("dropping non-positive rate")
			continue
		}
		if s.AsOf.IsZero() {
			s.AsOf = now
		}
		s.Provider = a.name
		out = append(out, s)
		delete(wanted, s.Pair)
	}
	return out
}

func (a *Adapter) classify(parent, callCtx context.Context, err error) *FetchError {
	var fe *FetchError
	isFetchErr := errors.As(err, &fe)

	if parent.Err() == nil {
		var netErr net.Error
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			cause := err
			if isFetchErr && fe.Err != nil {
				cause = fe.Err
			}
			return &FetchError{Provider: a.name, Kind: ErrTimeout, Err: cause}
		}
	}

	if isFetchErr {
		out := *fe
		out.Provider = a.name
		return &out
	}
	return &FetchError{Provider: a.name, Kind: ErrNetwork, Err: err}
}

// Close releases resources held by the source, if any.
func (a *Adapter) Close() {
	if c, ok := a.source.(interface{ Close() }); ok {
		c.Close()
	}
}

var _ Provider = (*Adapter)(nil)
