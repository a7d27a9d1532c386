package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePair string
	simulateOld  string
	simulateNew  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次汇率波动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		oldRate, err := decimal.NewFromString(simulateOld)
		if err != nil {
			return fmt.Errorf("invalid --old value: %w", err)
		}
		newRate, err := decimal.NewFromString(simulateNew)
		if err != nil {
			return fmt.Errorf("invalid --new value: %w", err)
		}
		return getApp().SimulateAlert(cmd.Context(), cmd.OutOrStdout(), simulatePair, oldRate, newRate)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "USD/EUR", "货币对")
	simulateCmd.Flags().StringVar(&simulateOld, "old", "", "旧汇率")
	simulateCmd.Flags().StringVar(&simulateNew, "new", "", "新汇率")
}
