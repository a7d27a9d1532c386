package fetcher

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
)

// rateTable is a vendor response normalised to "1 Base = Rates[code] code".
type rateTable struct {
	Base  string
	Rates map[string]decimal.Decimal
	AsOf  time.Time
}

func (t rateTable) lookup(code string) (decimal.Decimal, bool) {
	if code == t.Base {
		return decimal.NewFromInt(1), true
	}
	r, ok := t.Rates[code]
	if !ok || !r.IsPositive() {
		return decimal.Decimal{}, false
	}
	return r, true
}

// derive cross-computes each requested pair as table[quote] / table[base].
// Pairs with a missing leg are left out so they fall through to the next provider.
func (t rateTable) derive(pairs []rates.Pair) []rates.Sample {
	out := make([]rates.Sample, 0, len(pairs))
	for _, p := range pairs {
		b, ok := t.lookup(p.Base)
		if !ok {
			continue
		}
		q, ok := t.lookup(p.Quote)
		if !ok {
			continue
		}
		out = append(out, rates.Sample{Pair: p, Rate: q.Div(b), AsOf: t.AsOf})
	}
	return out
}

// requestBase picks the base to ask a table vendor for.
func requestBase(opts Options, pairs []rates.Pair) string {
	if opts.NativeBase != "" {
		return rates.NormalizeCode(opts.NativeBase)
	}
	if opts.DefaultBase != "" {
		return rates.NormalizeCode(opts.DefaultBase)
	}
	if len(pairs) > 0 {
		return pairs[0].Base
	}
	return "USD"
}

// symbolsFor lists every currency referenced by pairs except base, sorted.
func symbolsFor(pairs []rates.Pair, base string) []string {
	set := make(map[string]struct{})
	for _, p := range pairs {
		for _, c := range []string{p.Base, p.Quote} {
			if c != base {
				set[c] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func unixOrZero(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
