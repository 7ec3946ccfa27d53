package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/david/grant-intake/internal/db"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show per-source health and breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		rows, err := db.NewHealthStore(pool).List(ctx)
		if err != nil {
			return eris.Wrap(err, "health")
		}
		formatHealth(os.Stdout, rows)
		return nil
	},
}
