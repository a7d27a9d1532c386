package conversion

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxrates/internal/metrics"
	"fxrates/internal/rates"
)

var (
	// ErrOutOfRange is returned for amounts outside the configured bounds.
	ErrOutOfRange = errors.New("amount out of range")
	// ErrRateUnavailable is returned when neither a direct nor a derived rate is cached.
	ErrRateUnavailable = errors.New("rate unavailable")
	// ErrUnsupportedCurrency is returned for codes outside the supported set.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// rateScale is the number of places kept when inverting or dividing rates.
const rateScale = 18

// RateSource is the read side of the rate cache.
type RateSource interface {
	Get(pair rates.Pair) (rates.CachedRate, bool)
}

// Options parameterise the engine.
type Options struct {
	Universe  *rates.Universe
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Precision int32
	Rounding  string
	Metrics   *metrics.Metrics
}

// Result is a completed conversion.
type Result struct {
	From      string
	To        string
	Amount    decimal.Decimal
	Converted decimal.Decimal
	Rate      decimal.Decimal
	// Derived is set when the rate was computed through the base currency.
	Derived bool
	// LastUpdated is the refresh time of the oldest rate used.
	LastUpdated time.Time
}

// Engine converts amounts using cached rates only.
type Engine struct {
	source  RateSource
	opts    Options
	round   Rounder
	metrics *metrics.Metrics
}

// New validates options and builds an engine.
func New(source RateSource, opts Options) (*Engine, error) {
	if opts.Universe == nil {
		return nil, errors.New("conversion: currency universe required")
	}
	round, err := ParseRounding(opts.Rounding)
	if err != nil {
		return nil, err
	}
	if opts.Precision < 0 {
		return nil, fmt.Errorf("conversion: negative precision %d", opts.Precision)
	}
	if opts.MaxAmount.IsPositive() && opts.MinAmount.GreaterThan(opts.MaxAmount) {
		return nil, fmt.Errorf("conversion: min amount %s exceeds max amount %s", opts.MinAmount, opts.MaxAmount)
	}
	return &Engine{source: source, opts: opts, round: round, metrics: opts.Metrics}, nil
}

// Precision returns the configured number of decimal places.
func (e *Engine) Precision() int32 { return e.opts.Precision }

// Convert converts amount from one currency to another. Rounding is applied last.
func (e *Engine) Convert(from, to string, amount decimal.Decimal) (Result, error) {
	res, err := e.convert(from, to, amount)
	e.metrics.RecordConversion(resultLabel(err))
	return res, err
}

func (e *Engine) convert(from, to string, amount decimal.Decimal) (Result, error) {
	from = rates.NormalizeCode(from)
	to = rates.NormalizeCode(to)
	for _, code := range []string{from, to} {
		if !e.opts.Universe.Supports(code) {
			return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
		}
	}
	if amount.LessThan(e.opts.MinAmount) || (e.opts.MaxAmount.IsPositive() && amount.GreaterThan(e.opts.MaxAmount)) {
		return Result{}, fmt.Errorf("%w: %s not within [%s, %s]", ErrOutOfRange, amount, e.opts.MinAmount, e.opts.MaxAmount)
	}

	res := Result{From: from, To: to, Amount: amount}
	if from == to {
		res.Rate = decimal.NewFromInt(1)
		res.Converted = e.round(amount, e.opts.Precision)
		return res, nil
	}

	pair := rates.Pair{Base: from, Quote: to}
	if direct, ok := e.source.Get(pair); ok {
		res.Rate = direct.Rate
		res.LastUpdated = direct.LastUpdated
	} else {
		rate, updated, err := e.derive(from, to)
		if err != nil {
			return Result{}, err
		}
		res.Rate = rate
		res.LastUpdated = updated
		res.Derived = true
	}

	res.Converted = e.round(amount.Mul(res.Rate), e.opts.Precision)
	return res, nil
}

// derive computes rate(from→to) = rate(from→base) / rate(to→base).
func (e *Engine) derive(from, to string) (decimal.Decimal, time.Time, error) {
	fromLeg, fromAt, ok := e.toBase(from)
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, from, to)
	}
	toLeg, toAt, ok := e.toBase(to)
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, from, to)
	}
	return fromLeg.DivRound(toLeg, rateScale), oldest(fromAt, toAt), nil
}

// toBase returns rate(code→base), using the inverse cached pair when needed.
func (e *Engine) toBase(code string) (decimal.Decimal, time.Time, bool) {
	base := e.opts.Universe.Base()
	if code == base {
		return decimal.NewFromInt(1), time.Time{}, true
	}
	if r, ok := e.source.Get(rates.Pair{Base: code, Quote: base}); ok {
		return r.Rate, r.LastUpdated, true
	}
	if r, ok := e.source.Get(rates.Pair{Base: base, Quote: code}); ok && r.Rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(r.Rate, rateScale), r.LastUpdated, true
	}
	return decimal.Decimal{}, time.Time{}, false
}

func oldest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrUnsupportedCurrency):
		return "unsupported"
	case errors.Is(err, ErrRateUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
