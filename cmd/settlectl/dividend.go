package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
)

func init() {
	rootCmd.AddCommand(dividendCmd)
	dividendCmd.AddCommand(dividendWeightsCmd)
	dividendCmd.AddCommand(dividendDistributeCmd)
	dividendCmd.AddCommand(dividendShowCmd)
}

var dividendCmd = &cobra.Command{
	Use:   "dividend",
	Short: "Maintain dividend weights and distribute dividend pools",
}

var dividendWeightsCmd = &cobra.Command{
	Use:   "weights [PERIOD]",
	Short: "Print dividend weights, recalculating them from PERIOD's scores if given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if len(args) == 1 {
				w, err := a.Dividends.CalculateWeights(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, w)
			}
			w, err := a.Dividends.Weights(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, w)
		})
	},
}

var dividendDistributeCmd = &cobra.Command{
	Use:   "distribute PERIOD POOL",
	Short: "Distribute a dividend pool by the current weights",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid pool %q: %w", args[1], err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Dividends.Distribute(ctx, args[0], pool)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		})
	},
}

var dividendShowCmd = &cobra.Command{
	Use:   "show PERIOD",
	Short: "Print a period's dividend record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Dividends.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		})
	},
}
