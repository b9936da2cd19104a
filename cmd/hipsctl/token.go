package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hipswatch/internal/auth"
	"hipswatch/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect the persisted bearer token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show when the persisted token expires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadTool()
			if err != nil {
				return err
			}
			tok, err := auth.NewFileTokenStore(cfg.TokenFile).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if tok == nil {
				fmt.Fprintln(out, "no token stored")
				return nil
			}
			remaining := time.Until(tok.ExpiresAt).Truncate(time.Second)
			fmt.Fprintf(out, "expires_at: %s\n", tok.ExpiresAt.Format(time.RFC3339))
			if remaining > 0 {
				fmt.Fprintf(out, "remaining:  %s\n", remaining)
			} else {
				fmt.Fprintln(out, "remaining:  expired")
			}
			fmt.Fprintf(out, "refreshable: %t\n", tok.RefreshValue != "")
			return nil
		},
	})
	return cmd
}
