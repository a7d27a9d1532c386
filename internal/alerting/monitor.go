package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxrates/internal/clock"
	"fxrates/internal/metrics"
	"fxrates/internal/rates"
	"fxrates/internal/storage"
)

const defaultDispatchTimeout = 30 * time.Second

var hundred = decimal.NewFromInt(100)

// MonitorOptions parameterise threshold detection.
type MonitorOptions struct {
	ThresholdPct decimal.Decimal
	Cooldown     time.Duration
	MaxPerDay    int
	// Location sets the day boundary for the daily cap.
	Location        *time.Location
	Channels        []string
	DispatchTimeout time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

// State is the per-pair alert bookkeeping.
type State struct {
	Pair        rates.Pair
	LastAlertAt time.Time
	AlertsToday int
	Day         time.Time
}

// Monitor raises alerts for large rate moves, subject to a cooldown and a daily cap.
type Monitor struct {
	opts     MonitorOptions
	notifier Notifier
	audit    storage.AlertStore
	logger   zerolog.Logger

	mu     sync.Mutex
	states map[rates.Pair]*State
	wg     sync.WaitGroup
}

// NewMonitor builds a monitor. notifier and audit may be nil.
func NewMonitor(opts MonitorOptions, notifier Notifier, audit storage.AlertStore, logger zerolog.Logger) *Monitor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	return &Monitor{
		opts:     opts,
		notifier: notifier,
		audit:    audit,
		logger:   logger.With().Str("component", "alert_monitor").Logger(),
		states:   make(map[rates.Pair]*State),
	}
}

// Inspect evaluates a batch of cache changes and dispatches any alerts in the background.
func (m *Monitor) Inspect(ctx context.Context, changes []rates.Change) []Alert {
	if !m.opts.ThresholdPct.IsPositive() {
		return nil
	}

	now := m.opts.Clock.Now()
	today := rates.DateIn(now, m.opts.Location)

	m.mu.Lock()
	var alerts []Alert
	for _, c := range changes {
		if c.Old == nil || !c.Old.Rate.IsPositive() {
			continue
		}
		change := PercentChange(c.Old.Rate, c.New.Rate)
		if change.Abs().LessThan(m.opts.ThresholdPct) {
			continue
		}

		st := m.state(c.Pair)
		if !st.Day.Equal(today) {
			st.Day = today
			st.AlertsToday = 0
		}
		if !st.LastAlertAt.IsZero() && now.Sub(st.LastAlertAt) < m.opts.Cooldown {
			m.logger.Debug().Str("pair", c.Pair.String()).Str("change_pct", change.StringFixed(3)).Msg("alert suppressed by cooldown")
			continue
		}
		if m.opts.MaxPerDay > 0 && st.AlertsToday >= m.opts.MaxPerDay {
			m.logger.Debug().Str("pair", c.Pair.String()).Int("alerts_today", st.AlertsToday).Msg("alert suppressed by daily cap")
			continue
		}

		st.LastAlertAt = now
		st.AlertsToday++
		alerts = append(alerts, Alert{
			ID:           uuid.NewString(),
			Pair:         c.Pair,
			OldRate:      c.Old.Rate,
			NewRate:      c.New.Rate,
			ChangePct:    change,
			ThresholdPct: m.opts.ThresholdPct,
			Direction:    classifyChange(change),
			Provider:     c.New.SourceProvider,
			TriggeredAt:  now,
			Channels:     m.opts.Channels,
		})
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.opts.Metrics.RecordAlert(a.Pair.String(), a.Direction)
		m.logger.Warn().
			Str("pair", a.Pair.String()).
			Str("change_pct", a.ChangePct.StringFixed(3)).
			Str("direction", a.Direction).
			Msg("rate threshold crossed")
		m.dispatch(ctx, a)
	}
	return alerts
}

// dispatch audits and delivers one alert without blocking the caller.
func (m *Monitor) dispatch(ctx context.Context, a Alert) {
	if m.notifier == nil && m.audit == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.DispatchTimeout)
		defer cancel()

		if m.audit != nil {
			record := storage.AlertRecord{
				ID:           a.ID,
				Pair:         a.Pair,
				OldRate:      a.OldRate,
				NewRate:      a.NewRate,
				ChangePct:    a.ChangePct,
				ThresholdPct: a.ThresholdPct,
				Direction:    a.Direction,
				Channels:     a.Channels,
				TriggeredAt:  a.TriggeredAt,
			}
			if err := m.audit.InsertAlert(ctx, record); err != nil {
				m.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to persist alert record")
			}
		}
		if m.notifier != nil {
			if err := m.notifier.Notify(ctx, a); err != nil {
				m.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to dispatch alert")
			}
		}
	}()
}

// Wait blocks until background dispatches finish.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Prune drops state for pairs whose cooldown has lapsed and whose day has rolled over.
func (m *Monitor) Prune(now time.Time) int {
	today := rates.DateIn(now, m.opts.Location)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for pair, st := range m.states {
		if st.Day.Before(today) && now.Sub(st.LastAlertAt) >= m.opts.Cooldown {
			delete(m.states, pair)
			removed++
		}
	}
	return removed
}

// States returns a copy of the per-pair state sorted by pair.
func (m *Monitor) States() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.Less(out[j].Pair) })
	return out
}

func (m *Monitor) state(pair rates.Pair) *State {
	st, ok := m.states[pair]
	if !ok {
		st = &State{Pair: pair}
		m.states[pair] = st
	}
	return st
}

// PercentChange returns (next − prev) / prev × 100.
func PercentChange(prev, next decimal.Decimal) decimal.Decimal {
	return next.Sub(prev).DivRound(prev, 12).Mul(hundred)
}

func classifyChange(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}
