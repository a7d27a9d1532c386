package rates

import (
	"fmt"
	"sort"
)

// DefaultSupported lists the currencies served out of the box.
var DefaultSupported = []string{
	"USD", "EUR", "GBP", "JPY", "AUD", "CAD", "CHF", "CNY",
	"SEK", "NZD", "MXN", "SGD", "HKD", "NOK", "TRY", "ZAR",
	"BRL", "INR", "KRW", "RUB", "PLN", "THB", "IDR", "HUF",
	"CZK", "ILS", "CLP", "PHP", "AED", "COP", "SAR", "MYR",
	"RON", "BGN", "HRK", "ISK", "DKK", "EGP", "QAR", "KWD",
}

// DefaultMajorPairs are tracked regardless of the configured pair list.
var DefaultMajorPairs = []string{
	"EUR/USD", "GBP/USD", "USD/JPY", "USD/CHF",
	"AUD/USD", "USD/CAD", "NZD/USD",
}

// Universe is the fixed set of supported currency codes.
type Universe struct {
	base  string
	codes map[string]struct{}
}

// NewUniverse validates codes and always includes the base currency.
func NewUniverse(base string, codes []string) (*Universe, error) {
	base = NormalizeCode(base)
	if !isCode(base) {
		return nil, fmt.Errorf("invalid base currency %q", base)
	}
	u := &Universe{base: base, codes: map[string]struct{}{base: {}}}
	for _, c := range codes {
		c = NormalizeCode(c)
		if !isCode(c) {
			return nil, fmt.Errorf("invalid currency code %q", c)
		}
		u.codes[c] = struct{}{}
	}
	return u, nil
}

// Base returns the common base currency.
func (u *Universe) Base() string { return u.base }

// Supports reports whether code is in the supported set.
func (u *Universe) Supports(code string) bool {
	_, ok := u.codes[NormalizeCode(code)]
	return ok
}

// SupportsPair reports whether both legs are supported.
func (u *Universe) SupportsPair(p Pair) bool {
	return u.Supports(p.Base) && u.Supports(p.Quote)
}

// Codes returns the sorted supported set.
func (u *Universe) Codes() []string {
	out := make([]string, 0, len(u.codes))
	for c := range u.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// TrackedPairs resolves the pairs refreshed every cycle. Explicit pairs win; otherwise
// every supported code is tracked against the base in both directions. Extra pairs
// (the major pairs) are always added. Pairs outside the supported set are rejected.
func (u *Universe) TrackedPairs(explicit, extra []string) ([]Pair, error) {
	seen := make(map[Pair]struct{})
	out := make([]Pair, 0)
	add := func(p Pair) error {
		if !u.SupportsPair(p) {
			return fmt.Errorf("pair %s uses an unsupported currency", p)
		}
		if _, dup := seen[p]; dup {
			return nil
		}
		seen[p] = struct{}{}
		out = append(out, p)
		return nil
	}

	if len(explicit) > 0 {
		for _, raw := range explicit {
			p, err := ParsePair(raw)
			if err != nil {
				return nil, err
			}
			if err := add(p); err != nil {
				return nil, err
			}
		}
	} else {
		for _, c := range u.Codes() {
			if c == u.base {
				continue
			}
			_ = add(Pair{Base: u.base, Quote: c})
			_ = add(Pair{Base: c, Quote: u.base})
		}
	}

	for _, raw := range extra {
		p, err := ParsePair(raw)
		if err != nil {
			return nil, err
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}

	SortPairs(out)
	return out, nil
}

// SortPairs sorts in place by base then quote.
func SortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })
}
