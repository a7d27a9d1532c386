package aggregator

import (
	"context"
	"strings"
	"time"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds the attempts made for one chunk against one provider in a cycle.
// Attempts counts the first call; values below 1 mean a single attempt.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  string
	MaxDelay time.Duration
}

// delay returns the wait before the attempt following the n-th failure (n starts at 1).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Delay
	if d <= 0 {
		return 0
	}
	if strings.EqualFold(p.Backoff, BackoffExponential) {
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
