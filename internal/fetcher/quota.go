package fetcher

import (
	"fmt"
	"sync"

	"fxrates/internal/clock"
)

// Quota tracks a monthly call allowance. The window rolls over at the start of each
// calendar month (UTC). A non-positive limit means unlimited.
type Quota struct {
	mu        sync.Mutex
	limit     int64
	used      int64
	period    string
	exhausted bool
	clock     clock.Clock
}

// NewQuota creates a quota tracker.
func NewQuota(limit int64, clk clock.Clock) *Quota {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Quota{limit: limit, clock: clk}
}

// Reserve consumes one call or fails when the month's allowance is spent.
func (q *Quota) Reserve() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll()
	if q.exhausted {
		return fmt.Errorf("allowance reported exhausted by vendor for %s", q.period)
	}
	if q.limit > 0 && q.used >= q.limit {
		return fmt.Errorf("%d/%d calls used in %s", q.used, q.limit, q.period)
	}
	q.used++
	return nil
}

// Remaining returns calls left this month, or -1 when unlimited.
func (q *Quota) Remaining() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll()
	if q.exhausted {
		return 0
	}
	if q.limit <= 0 {
		return -1
	}
	if q.used >= q.limit {
		return 0
	}
	return q.limit - q.used
}

// Used returns calls consumed this month.
func (q *Quota) Used() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll()
	return q.used
}

// Exhaust blocks further calls until the month rolls over, e.g. after the vendor
// reported its own usage limit.
func (q *Quota) Exhaust() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll()
	q.exhausted = true
}

func (q *Quota) roll() {
	period := q.clock.Now().UTC().Format("2006-01")
	if period != q.period {
		q.period = period
		q.used = 0
		q.exhausted = false
	}
}
