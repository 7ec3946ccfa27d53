package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-intake/internal/app"
	"github.com/david/grant-intake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "intakectl",
	Short: "Operate the grant intake funnel",
	Long:  "Applies migrations, pushes JSONL batches through the intake funnel, and inspects or resets source health.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		app.LoadDotEnv()

		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd, ingestFileCmd, healthCmd, runsCmd, resetCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
