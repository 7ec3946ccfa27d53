package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/david/grant-intake/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <operator>",
	Short: "Issue an operator token for the admin API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecret == "" {
			return eris.New("JWT secret is not configured")
		}
		issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AdminSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		token, exp, err := issuer.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, token)
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}
