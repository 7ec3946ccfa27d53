package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/david/grant-intake/internal/db"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent ingest runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := db.NewRunStore(pool).ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "number of runs to show")
}
