package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-intake/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending SQL migrations in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.ApplyMigrations(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}
