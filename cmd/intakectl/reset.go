package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/david/grant-intake/internal/app"
	"github.com/david/grant-intake/internal/models"
)

var resetCmd = &cobra.Command{
	Use:   "reset <source-id>",
	Short: "Close a source's circuit breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := app.Init(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		operator, _ := cmd.Flags().GetString("operator")
		if operator == "" {
			operator = currentUser()
		}
		clearCounters, _ := cmd.Flags().GetBool("clear")

		delta, err := env.Pipeline.ResetSource(ctx, args[0], operator, clearCounters)
		if err != nil {
			return err
		}
		if delta.BreakerClosed {
			fmt.Fprintf(os.Stdout, "Breaker for %s closed by %s.\n", args[0], operator)
		} else {
			fmt.Fprintf(os.Stdout, "Breaker for %s was not open.\n", args[0])
		}
		formatHealth(os.Stdout, []models.SourceHealth{delta.After})
		return nil
	},
}

func init() {
	resetCmd.Flags().String("operator", "", "operator recorded on the reset (defaults to the OS user)")
	resetCmd.Flags().Bool("clear", false, "also clear rolling counters")
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
