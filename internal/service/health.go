package service

import (
	"context"
	"time"

	"fxrates/internal/rates"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

const pingTimeout = 3 * time.Second

// DependencyStatus is the result of probing one backing service.
type DependencyStatus struct {
	Configured bool   `json:"configured"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// ProviderStatus reports quota and call counters for one provider.
type ProviderStatus struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Remaining int64  `json:"remaining"`
	Calls     int64  `json:"calls"`
}

// CycleStatus summarises the last refresh cycle.
type CycleStatus struct {
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Updated  int               `json:"updated"`
	Degraded []string          `json:"degraded,omitempty"`
	Errors   map[string]string `json:"provider_errors,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// HealthReport is the engine's self-assessment.
type HealthReport struct {
	Status     string           `json:"status"`
	CheckedAt  time.Time        `json:"checked_at"`
	Database   DependencyStatus `json:"database"`
	Redis      DependencyStatus `json:"redis"`
	CacheSize  int              `json:"cache_size"`
	StaleRates int              `json:"stale_rates"`
	LastCycle  *CycleStatus     `json:"last_cycle,omitempty"`
	Providers  []ProviderStatus `json:"providers"`
}

// Health probes dependencies and summarises cache and provider state. Any failed probe,
// unserved pair in the last cycle or fully exhausted provider set marks it degraded.
func (e *Engine) Health(ctx context.Context) HealthReport {
	now := e.clock.Now()
	report := HealthReport{
		Status:    StatusHealthy,
		CheckedAt: now,
		CacheSize: e.cache.Len(),
	}

	if e.deps.Pinger != nil {
		report.Database = probe(ctx, e.deps.Pinger.Ping)
	}
	if e.deps.Mirror != nil {
		report.Redis = probe(ctx, e.deps.Mirror.Ping)
	}

	expiry := e.cfg.Currency.CacheExpiry()
	for _, r := range e.cache.All() {
		if r.IsStale(now, expiry) {
			report.StaleRates++
		}
	}

	exhausted := 0
	for _, p := range e.agg.Providers() {
		remaining := p.Remaining()
		if remaining == 0 {
			exhausted++
		}
		report.Providers = append(report.Providers, ProviderStatus{
			Name:      p.Name(),
			Priority:  p.Priority(),
			Remaining: remaining,
			Calls:     p.Calls(),
		})
	}

	e.mu.RLock()
	if e.lastReport != nil {
		last := e.lastReport
		cycle := &CycleStatus{
			Started:  last.Started,
			Finished: last.Finished,
			Updated:  len(last.Updated),
			Degraded: pairStrings(last.Degraded),
		}
		if len(last.ProviderErrors) > 0 {
			cycle.Errors = make(map[string]string, len(last.ProviderErrors))
			for name, err := range last.ProviderErrors {
				cycle.Errors[name] = err.Error()
			}
		}
		if e.lastErr != nil {
			cycle.Error = e.lastErr.Error()
		}
		report.LastCycle = cycle
	}
	e.mu.RUnlock()

	switch {
	case report.Database.Configured && !report.Database.OK,
		report.Redis.Configured && !report.Redis.OK,
		exhausted == len(report.Providers),
		report.LastCycle != nil && (len(report.LastCycle.Degraded) > 0 || report.LastCycle.Error != ""):
		report.Status = StatusDegraded
	}
	return report
}

func probe(ctx context.Context, ping func(context.Context) error) DependencyStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return DependencyStatus{Configured: true, Error: err.Error()}
	}
	return DependencyStatus{Configured: true, OK: true}
}

func pairStrings(pairs []rates.Pair) []string {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.String()
	}
	return out
}
