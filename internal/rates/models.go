package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

// Retention classes recorded on snapshots.
const (
	RetentionDaily   = "daily"
	RetentionRefresh = "refresh"
)

// Sample is a single provider observation. Values are never mutated after creation.
type Sample struct {
	Pair     Pair
	Rate     decimal.Decimal
	AsOf     time.Time
	Provider string
}

// CachedRate is the best-known rate for a pair.
type CachedRate struct {
	Pair           Pair
	Rate           decimal.Decimal
	LastUpdated    time.Time
	AsOf           time.Time
	SourceProvider string
}

// Age returns how long ago the rate was last refreshed.
func (c CachedRate) Age(now time.Time) time.Duration {
	if c.LastUpdated.IsZero() {
		return 0
	}
	return now.Sub(c.LastUpdated)
}

// IsStale reports whether the rate is older than maxAge. A non-positive maxAge disables the check.
func (c CachedRate) IsStale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return c.Age(now) > maxAge
}

// Change pairs the previous cache entry (nil on first population) with the new one.
type Change struct {
	Pair Pair
	Old  *CachedRate
	New  CachedRate
}

// Snapshot is a persisted point-in-time copy of a cached rate, keyed by (pair, date).
type Snapshot struct {
	Pair           Pair
	Rate           decimal.Decimal
	CapturedAt     time.Time
	RetentionClass string
	SourceProvider string
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateIn returns the calendar date of t as seen in loc, normalised to midnight UTC.
// Snapshot keys and retention cutoffs use this form.
func DateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
