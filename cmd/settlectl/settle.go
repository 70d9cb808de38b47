package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/settlement"
)

func init() {
	rootCmd.AddCommand(settleCmd)
	settleCmd.AddCommand(settleRunCmd)
	settleCmd.AddCommand(settleAutoCmd)
	settleCmd.AddCommand(settleShowCmd)
	settleCmd.AddCommand(settlePreviewCmd)
	settleCmd.AddCommand(settleSweepCmd)
	settleCmd.AddCommand(settleMetricsCmd)
	settleCmd.AddCommand(settleIncomeCmd)

	settleRunCmd.Flags().String("market-price", "", "equity price for option grants (default: oracle)")
	settleRunCmd.Flags().String("discount", "", "strike discount override for option grants")
	settleRunCmd.Flags().Int("vesting-days", 0, "vesting period override for option grants")
	settleShowCmd.Flags().String("status", "", "list only records with this status")
	settleMetricsCmd.Flags().StringP("file", "f", "", "JSON file with an array of contribution metrics (- for stdin)")
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run and inspect period settlements",
}

var settleRunCmd = &cobra.Command{
	Use:   "run PROGRAM PERIOD",
	Short: "Settle one period of a program",
	Long: `Settle one period of a program. Settling a completed period prints the
stored record and pays nothing. Pricing flags apply to options programs only.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := pricingInputs(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			programID := model.ProgramID(args[0])
			var rec *model.SettlementRecord
			if in == (settlement.PricingInputs{}) {
				rec, err = a.Settlement.ExecuteManual(ctx, programID, args[1])
			} else {
				rec, err = a.Settlement.GrantOptions(ctx, programID, args[1], in)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		})
	},
}

var settleAutoCmd = &cobra.Command{
	Use:   "auto [PROGRAM]",
	Short: "Settle the last closed period of auto-settling programs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var programs []model.ProgramID
			if len(args) == 1 {
				programs = append(programs, model.ProgramID(args[0]))
			} else {
				for _, p := range a.Programs.All() {
					if p.AutoSettle {
						programs = append(programs, p.ID)
					}
				}
			}
			results := make(map[model.ProgramID]settlement.AutoResult, len(programs))
			for _, id := range programs {
				res, err := a.Settlement.CheckAndExecuteAuto(ctx, id)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				results[id] = res
			}
			return printJSON(cmd, results)
		})
	},
}

var settleShowCmd = &cobra.Command{
	Use:   "show PROGRAM [PERIOD]",
	Short: "Print settlement records",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			programID := model.ProgramID(args[0])
			if len(args) == 2 {
				rec, err := a.Store.GetSettlement(ctx, programID, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			}
			var (
				recs []model.SettlementRecord
				err  error
			)
			if status != "" {
				recs, err = a.Store.ListSettlementsByStatus(ctx, programID, model.SettlementStatus(status))
			} else {
				recs, err = a.Store.ListSettlements(ctx, programID)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, recs)
		})
	},
}

var settlePreviewCmd = &cobra.Command{
	Use:   "preview PROGRAM PERIOD",
	Short: "Show what settling a period would pay, without committing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			p, err := a.Settlement.Preview(ctx, model.ProgramID(args[0]), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		})
	},
}

var settleSweepCmd = &cobra.Command{
	Use:   "sweep PROGRAM",
	Short: "Fail settlements stuck in processing so they can be retried",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Settlement.SweepStale(ctx, model.ProgramID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale settlement(s)\n", n)
			return nil
		})
	},
}

var settleMetricsCmd = &cobra.Command{
	Use:   "metrics PROGRAM PERIOD",
	Short: "Load contribution metrics for an open period",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("metrics file required: settlectl settle metrics %s %s -f <file>", args[0], args[1])
		}
		r := os.Stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("cannot read metrics file: %w", err)
			}
			defer f.Close()
			r = f
		}
		var metrics []model.ContributionMetric
		if err := json.NewDecoder(r).Decode(&metrics); err != nil {
			return fmt.Errorf("decode metrics: %w", err)
		}

		programID := model.ProgramID(args[0])
		for i := range metrics {
			metrics[i].Program = programID
			metrics[i].PeriodID = args[1]
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Store.PutMetrics(ctx, programID, args[1], metrics); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d metric row(s)\n", len(metrics))
			return nil
		})
	},
}

var settleIncomeCmd = &cobra.Command{
	Use:   "income PROGRAM PERIOD AMOUNT",
	Short: "Record the net income of a period",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		income, err := decimal.NewFromString(args[2])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[2], err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.Store.PutNetIncome(ctx, model.ProgramID(args[0]), args[1], income)
		})
	},
}

func pricingInputs(cmd *cobra.Command) (settlement.PricingInputs, error) {
	var in settlement.PricingInputs
	if s, _ := cmd.Flags().GetString("market-price"); s != "" {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return in, fmt.Errorf("invalid --market-price: %w", err)
		}
		in.MarketPrice = &p
	}
	if s, _ := cmd.Flags().GetString("discount"); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return in, fmt.Errorf("invalid --discount: %w", err)
		}
		in.Discount = &d
	}
	if cmd.Flags().Changed("vesting-days") {
		days, _ := cmd.Flags().GetInt("vesting-days")
		in.VestingDays = &days
	}
	return in, nil
}
