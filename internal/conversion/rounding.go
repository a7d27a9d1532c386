package conversion

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rounding modes accepted in configuration.
const (
	RoundHalfUp   = "ROUND_HALF_UP"
	RoundHalfEven = "ROUND_HALF_EVEN"
	RoundDown     = "ROUND_DOWN"
	RoundUp       = "ROUND_UP"
	RoundCeil     = "ROUND_CEIL"
	RoundFloor    = "ROUND_FLOOR"
)

// Rounder rounds a value to a fixed number of places.
type Rounder func(d decimal.Decimal, places int32) decimal.Decimal

// ParseRounding resolves a rounding mode name. Empty selects ROUND_HALF_UP.
func ParseRounding(mode string) (Rounder, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "", RoundHalfUp:
		return decimal.Decimal.Round, nil
	case RoundHalfEven:
		return decimal.Decimal.RoundBank, nil
	case RoundDown:
		return decimal.Decimal.RoundDown, nil
	case RoundUp:
		return decimal.Decimal.RoundUp, nil
	case RoundCeil:
		return decimal.Decimal.RoundCeil, nil
	case RoundFloor:
		return decimal.Decimal.RoundFloor, nil
	default:
		return nil, fmt.Errorf("unknown rounding mode %q", mode)
	}
}
