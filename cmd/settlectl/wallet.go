package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
)

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.Flags().Bool("entries", false, "print the account's ledger entries instead of balances")
}

var walletCmd = &cobra.Command{
	Use:   "wallet ACCOUNT",
	Short: "Print an account's balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, _ := cmd.Flags().GetBool("entries")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if entries {
				es, err := a.Store.GetLedgerEntriesByAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, es)
			}
			w, err := a.Store.GetWallet(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, w)
		})
	},
}
