package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"fxrates/internal/alerting"
	"fxrates/internal/rates"
)

// SimulateAlert 通过给定的新旧汇率模拟一次告警流程，走真实的告警通道。
func (a *App) SimulateAlert(ctx context.Context, out io.Writer, rawPair string, oldRate, newRate decimal.Decimal) error {
	if !a.Config.Alerts.Enabled {
		return errors.New("alerts 未启用")
	}
	pair, err := rates.ParsePair(rawPair)
	if err != nil {
		return err
	}
	if !oldRate.IsPositive() || !newRate.IsPositive() {
		return errors.New("--old 与 --new 必须大于 0")
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	loc, err := a.Config.Scheduler.Location()
	if err != nil {
		return err
	}
	monitor := alerting.NewMonitor(alerting.MonitorOptions{
		ThresholdPct: decimal.NewFromFloat(a.Config.Alerts.ThresholdPercent),
		Location:     loc,
		Clock:        a.Clock,
		Metrics:      a.Metrics,
	}, notifier, nil, a.Logger)

	now := a.Clock.Now()
	prev := rates.CachedRate{Pair: pair, Rate: oldRate, LastUpdated: now}
	alerts := monitor.Inspect(ctx, []rates.Change{{
		Pair: pair,
		Old:  &prev,
		New:  rates.CachedRate{Pair: pair, Rate: newRate, LastUpdated: now, SourceProvider: "simulated"},
	}})
	monitor.Wait()

	if len(alerts) == 0 {
		fmt.Fprintf(out, "change %s%% is below threshold %.2f%%, no alert sent\n",
			alerting.PercentChange(oldRate, newRate).StringFixed(3), a.Config.Alerts.ThresholdPercent)
		return nil
	}
	fmt.Fprintf(out, "alert %s sent: %s %s%%\n", alerts[0].ID, alerts[0].Pair, alerts[0].ChangePct.StringFixed(3))
	return nil
}
