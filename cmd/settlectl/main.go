// Command settlectl is the operator CLI of the settlement engine. It talks to
// the same stores as the server and runs one operation per invocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/logger"
)

var (
	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "settlectl",
	Short: "Operate the contribution-weighted settlement engine",
	Long: `settlectl runs settlements, option grants, vesting, exercises and
dividend distributions against the engine's database. Configuration comes
from flags, then environment variables, then a .env file in the working
directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env"); err != nil {
			return err
		}
		if err := cfg.Resolve(cmd.Root().PersistentFlags(), os.Getenv); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		// Logs go to stderr so stdout stays machine-readable.
		log = logger.NewWithWriter(os.Stderr, cfg.LogFormat, cfg.Verbose)
		slog.SetDefault(log)
		return nil
	},
}

func init() {
	cfg = config.Bind(rootCmd.PersistentFlags())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp builds the engine for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if cfg.DatabaseURL == "" {
		log.Warn("no database configured, changes will be lost when settlectl exits")
	}
	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
