package rates

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPair is returned when a pair string cannot be parsed.
var ErrInvalidPair = errors.New("invalid currency pair")

// Pair is an ordered (base, quote) currency tuple, e.g. USD/EUR.
type Pair struct {
	Base  string
	Quote string
}

// NewPair builds a pair from two codes, normalising case.
func NewPair(base, quote string) (Pair, error) {
	base = NormalizeCode(base)
	quote = NormalizeCode(quote)
	if !isCode(base) || !isCode(quote) {
		return Pair{}, fmt.Errorf("%w: %q/%q", ErrInvalidPair, base, quote)
	}
	if base == quote {
		return Pair{}, fmt.Errorf("%w: base and quote are both %s", ErrInvalidPair, base)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// MustPair is NewPair for literals; it panics on malformed input.
func MustPair(base, quote string) Pair {
	p, err := NewPair(base, quote)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePair accepts "USD/EUR", "usd-eur", "USD_EUR" or "USDEUR".
func ParsePair(s string) (Pair, error) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{"/", "-", "_", ":"} {
		if base, quote, ok := strings.Cut(s, sep); ok {
			return NewPair(base, quote)
		}
	}
	if len(s) == 6 {
		return NewPair(s[:3], s[3:])
	}
	return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
}

// String renders BASE/QUOTE.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Inverse swaps base and quote.
func (p Pair) Inverse() Pair {
	return Pair{Base: p.Quote, Quote: p.Base}
}

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// Less orders pairs by base, then quote.
func (p Pair) Less(o Pair) bool {
	if p.Base != o.Base {
		return p.Base < o.Base
	}
	return p.Quote < o.Quote
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func isCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
