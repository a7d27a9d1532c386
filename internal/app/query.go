package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fxrates/internal/rates"
	"fxrates/internal/service"
)

// ensureRates warms the cache from the mirror and refreshes once when it is still empty.
func (a *App) ensureRates(ctx context.Context, engine *service.Engine) error {
	engine.Warm(ctx)
	if len(engine.GetRates()) > 0 {
		return nil
	}
	a.Logger.Info().Msg("cache empty, running a refresh cycle")
	if _, err := engine.TriggerManualRefresh(ctx); err != nil {
		return fmt.Errorf("refresh rates: %w", err)
	}
	return nil
}

// Rates prints cached rates, optionally filtered to the given pairs.
func (a *App) Rates(ctx context.Context, out io.Writer, pairs []string) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.ensureRates(ctx, engine); err != nil {
		return err
	}

	quotes := engine.GetRates()
	if len(pairs) > 0 {
		quotes = quotes[:0]
		for _, raw := range pairs {
			pair, err := rates.ParsePair(raw)
			if err != nil {
				return err
			}
			if q, ok := engine.GetRate(pair); ok {
				quotes = append(quotes, q)
			}
		}
	}
	if len(quotes) == 0 {
		fmt.Fprintln(out, "no rates available")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tRate\tProvider\tUpdated (UTC)\tStale")
	for _, q := range quotes {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n",
			q.Pair,
			formatDecimal(q.Rate, 6),
			q.SourceProvider,
			q.LastUpdated.UTC().Format(time.RFC3339),
			q.Stale,
		)
	}
	return writer.Flush()
}

// Convert prints one conversion.
func (a *App) Convert(ctx context.Context, out io.Writer, from, to string, amount decimal.Decimal) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.ensureRates(ctx, engine); err != nil {
		return err
	}

	res, err := engine.Convert(from, to, amount)
	if err != nil {
		return err
	}
	note := ""
	if res.Derived {
		note = fmt.Sprintf(" (via %s)", engine.BaseCurrency())
	}
	fmt.Fprintf(out, "%s %s = %s %s%s\nrate: %s\nupdated: %s\n",
		res.Amount, res.From,
		res.Converted.StringFixed(engine.ConversionPrecision()), res.To, note,
		formatDecimal(res.Rate, 8),
		res.LastUpdated.UTC().Format(time.RFC3339),
	)
	return nil
}

// History prints stored snapshots for a pair.
func (a *App) History(ctx context.Context, out io.Writer, opts HistoryOptions) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	pair, from, to, err := a.resolveWindow(opts.Pair, opts.From, opts.To)
	if err != nil {
		return err
	}
	seq, err := engine.GetHistory(ctx, pair, from, to)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tRate\tClass\tProvider")
	rows := 0
	for snap, err := range seq {
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			snap.CapturedAt.Format(time.DateOnly),
			formatDecimal(snap.Rate, 6),
			snap.RetentionClass,
			snap.SourceProvider,
		)
		rows++
	}
	if rows == 0 {
		fmt.Fprintf(out, "no snapshots for %s between %s and %s\n", pair, from.Format(time.DateOnly), to.Format(time.DateOnly))
		return nil
	}
	return writer.Flush()
}

// resolveWindow defaults to the last 30 days ending today.
func (a *App) resolveWindow(rawPair string, from, to *time.Time) (rates.Pair, time.Time, time.Time, error) {
	pair, err := rates.ParsePair(rawPair)
	if err != nil {
		return rates.Pair{}, time.Time{}, time.Time{}, err
	}
	end := a.Clock.Now().UTC()
	if to != nil {
		end = to.UTC()
	}
	start := end.AddDate(0, 0, -30)
	if from != nil {
		start = from.UTC()
	}
	return pair, start, end, nil
}

// Currencies lists the supported codes and major pairs.
func (a *App) Currencies(ctx context.Context, out io.Writer) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Fprintf(out, "base: %s\n", engine.BaseCurrency())
	fmt.Fprintf(out, "supported (%d): %s\n", len(engine.SupportedCurrencies()), strings.Join(engine.SupportedCurrencies(), " "))
	majors := make([]string, 0)
	for _, p := range engine.MajorPairs() {
		majors = append(majors, p.String())
	}
	fmt.Fprintf(out, "major pairs: %s\n", strings.Join(majors, " "))
	fmt.Fprintf(out, "tracked pairs: %d\n", len(engine.TrackedPairs()))
	return nil
}

// Health prints the engine health report as JSON.
func (a *App) Health(ctx context.Context, out io.Writer) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	engine.Warm(ctx)
	report := engine.Health(ctx)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode health report: %w", err)
	}
	if report.Status != service.StatusHealthy {
		return fmt.Errorf("engine %s", report.Status)
	}
	return nil
}

// Alerts prints the most recent audited alerts.
func (a *App) Alerts(ctx context.Context, out io.Writer, opts AlertsOptions) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	recs, err := engine.RecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPair\tOld\tNew\tChange%\tDirection\tChannels")
	for _, r := range recs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TriggeredAt.UTC().Format(time.RFC3339),
			r.Pair,
			formatDecimal(r.OldRate, 6),
			formatDecimal(r.NewRate, 6),
			formatDecimal(r.ChangePct, 3),
			r.Direction,
			sanitizeInline(strings.Join(r.Channels, ",")),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
