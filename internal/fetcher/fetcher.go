package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fxrates/internal/clock"
	"fxrates/internal/rates"
)

// Provider kinds understood by New.
const (
	KindFixer             = "fixer"
	KindExchangeRate      = "exchangerate"
	KindOpenExchangeRates = "openexchangerates"
	KindCurrencyLayer     = "currencylayer"
	KindChainlink         = "chainlink"
)

// Provider is the shared capability the aggregator depends on.
type Provider interface {
	Name() string
	Priority() int
	// Fetch returns samples for the subset of pairs the provider could serve.
	Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error)
	// Remaining returns calls left this month, or -1 when unlimited.
	Remaining() int64
	// Calls returns the number of attempts made, successful or not.
	Calls() int64
}

// Source talks to one vendor and normalises its response shape. Sources do not
// enforce timeouts or quotas; the Adapter does.
type Source interface {
	Fetch(ctx context.Context, pairs []rates.Pair) ([]rates.Sample, error)
}

// Options describe one configured provider.
type Options struct {
	Name         string
	Kind         string
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	Priority     int
	MonthlyQuota int64
	// NativeBase pins the base currency requested from table vendors (fixer free plan is EUR-only).
	NativeBase string
	// DefaultBase is used when NativeBase is empty.
	DefaultBase string
	RPCURL      string
	Feeds       map[string]string
	UserAgent   string
}

// New builds an Adapter around the vendor source selected by opts.Kind.
func New(opts Options, clk clock.Clock, logger zerolog.Logger) (*Adapter, error) {
	if opts.Name == "" {
		opts.Name = opts.Kind
	}

	var (
		src Source
		err error
	)
	switch strings.ToLower(opts.Kind) {
	case KindFixer:
		src = NewFixer(opts)
	case KindExchangeRate:
		src = NewExchangeRate(opts)
	case KindOpenExchangeRates:
		src = NewOpenExchangeRates(opts)
	case KindCurrencyLayer:
		src = NewCurrencyLayer(opts)
	case KindChainlink:
		src, err = NewChainlink(opts, logger)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", opts.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("build provider %s: %w", opts.Name, err)
	}

	return NewAdapter(AdapterOptions{
		Name:     opts.Name,
		Priority: opts.Priority,
		Timeout:  opts.Timeout,
		Quota:    NewQuota(opts.MonthlyQuota, clk),
		Clock:    clk,
	}, src, logger), nil
}
