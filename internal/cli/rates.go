package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var ratesCmd = &cobra.Command{
	Use:   "rates [PAIR...]",
	Short: "Display cached rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rates(cmd.Context(), cmd.OutOrStdout(), args)
	},
}

var (
	convertFrom   string
	convertTo     string
	convertAmount string
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert an amount between currencies using cached rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if convertFrom == "" || convertTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}
		amount, err := decimal.NewFromString(convertAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		return getApp().Convert(cmd.Context(), cmd.OutOrStdout(), convertFrom, convertTo, amount)
	},
}

var currenciesCmd = &cobra.Command{
	Use:   "currencies",
	Short: "List supported currencies and major pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Currencies(cmd.Context(), cmd.OutOrStdout())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report dependency, cache and provider health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertFrom, "from", "", "Source currency code")
	convertCmd.Flags().StringVar(&convertTo, "to", "", "Target currency code")
	convertCmd.Flags().StringVar(&convertAmount, "amount", "1", "Amount to convert")
}
