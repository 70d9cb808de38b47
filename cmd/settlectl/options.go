package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/options"
	"github.com/atmx/settlement-engine/internal/program"
)

func init() {
	rootCmd.AddCommand(optionsCmd)
	optionsCmd.AddCommand(optionsGrantCmd)
	optionsCmd.AddCommand(optionsVestCmd)
	optionsCmd.AddCommand(optionsExerciseCmd)
	optionsCmd.AddCommand(optionsShowCmd)

	optionsGrantCmd.Flags().String("market-price", "", "equity price at grant (default: oracle)")
	optionsGrantCmd.Flags().String("program", string(model.ProgramPerformanceOption), "program whose discount and vesting apply")
	optionsExerciseCmd.Flags().String("market-price", "", "equity price at exercise (default: oracle)")
}

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Grant, vest and exercise equity-token options",
}

var optionsGrantCmd = &cobra.Command{
	Use:   "grant USER AMOUNT",
	Short: "Issue a standalone option grant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		price, err := decimalFlag(cmd, "market-price")
		if err != nil {
			return err
		}
		progID, _ := cmd.Flags().GetString("program")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			prog, err := a.Programs.Get(model.ProgramID(progID))
			if err != nil {
				return err
			}
			if prog.Payout != program.PayoutOptions {
				return fmt.Errorf("program %s does not grant options", prog.ID)
			}
			g, err := a.Options.Grant(ctx, options.GrantRequest{
				UserID:      args[0],
				Amount:      amount,
				MarketPrice: price,
				Discount:    prog.StrikeDiscount,
				VestingDays: prog.VestingDays,
				Program:     prog.ID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, g)
		})
	},
}

var optionsVestCmd = &cobra.Command{
	Use:   "vest",
	Short: "Run one vesting tick now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			updated, err := a.Options.TickVesting(ctx, a.Clock.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vested %d grant(s)\n", len(updated))
			return nil
		})
	},
}

var optionsExerciseCmd = &cobra.Command{
	Use:   "exercise USER AMOUNT",
	Short: "Exercise vested options oldest grant first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		price, err := decimalFlag(cmd, "market-price")
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var res *options.ExerciseResult
			if price.IsZero() {
				res, err = a.Options.ExerciseAtMarket(ctx, args[0], amount)
			} else {
				res, err = a.Options.Exercise(ctx, args[0], amount, price)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var optionsShowCmd = &cobra.Command{
	Use:   "show USER",
	Short: "Print a user's grants, exercises and totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			h, err := a.Options.Holdings(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, h)
		})
	},
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return d, nil
}
