package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newUsersCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List the users of the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), app.cfg.RequestTimeout)
			defer cancel()

			s, err := app.session(ctx)
			if err != nil {
				return err
			}
			users := s.Users()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(users)
			}

			for _, u := range users {
				marker := " "
				if u.ID == app.cfg.UserID {
					marker = "*"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\n", marker, u.ID, u.DisplayName)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print users as JSON")
	return cmd
}
