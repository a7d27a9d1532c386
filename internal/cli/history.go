package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fxrates/internal/app"
)

var (
	historyPair string
	historyFrom string
	historyTo   string
	alertsLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display daily snapshots for a pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseWindow(historyFrom, historyTo)
		if err != nil {
			return err
		}
		return getApp().History(cmd.Context(), cmd.OutOrStdout(), app.HistoryOptions{
			Pair: historyPair,
			From: from,
			To:   to,
		})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recently raised rate alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Alerts(cmd.Context(), cmd.OutOrStdout(), app.AlertsOptions{Limit: alertsLimit})
	},
}

// parseWindow accepts YYYY-MM-DD or RFC3339 bounds; empty values stay nil.
func parseWindow(rawFrom, rawTo string) (*time.Time, *time.Time, error) {
	from, err := parseDate("--from", rawFrom)
	if err != nil {
		return nil, nil, err
	}
	to, err := parseDate("--to", rawTo)
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func parseDate(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s value %q: want YYYY-MM-DD or RFC3339", flag, raw)
}

func init() {
	historyCmd.Flags().StringVar(&historyPair, "pair", "", "Currency pair, e.g. USD/EUR")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "Start date (inclusive), defaults to 30 days ago")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "End date (inclusive), defaults to today")
	_ = historyCmd.MarkFlagRequired("pair")

	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
}
