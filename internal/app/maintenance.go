package app

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Refresh runs one aggregator cycle and prints its report.
func (a *App) Refresh(ctx context.Context, out io.Writer) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	engine.Warm(ctx)
	report, err := engine.TriggerManualRefresh(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "updated: %d pairs in %s\n", len(report.Updated), report.Duration())
	if len(report.Degraded) > 0 {
		degraded := make([]string, len(report.Degraded))
		for i, p := range report.Degraded {
			degraded[i] = p.String()
		}
		fmt.Fprintf(out, "degraded: %s\n", strings.Join(degraded, " "))
	}
	for name, perr := range report.ProviderErrors {
		fmt.Fprintf(out, "provider %s: %s\n", name, sanitizeInline(perr.Error()))
	}
	return nil
}

// Snapshot records today's daily snapshot from a fresh refresh.
func (a *App) Snapshot(ctx context.Context, out io.Writer) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.ensureRates(ctx, engine); err != nil {
		return err
	}
	n, err := engine.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "snapshot recorded for %d pairs\n", n)
	return nil
}

// Cleanup purges snapshots and alert records past the retention window.
func (a *App) Cleanup(ctx context.Context, out io.Writer) error {
	engine, cleanup, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	purged, err := engine.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "purged %d snapshots older than %d days\n", purged, a.Config.RateUpdate.CleanupRetentionDays)
	return nil
}
