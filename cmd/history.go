package cmd

import (
	"context"
	"fmt"

	"privchat/internal/session"

	"github.com/spf13/cobra"
)

func newHistoryCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <user-id>",
		Short: "Print the conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), app.cfg.RequestTimeout)
			defer cancel()

			s, err := app.session(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			hydrated := make(chan error, 1)
			unsubscribe := s.OnChange(func(e session.Event) {
				var result error
				switch e.Kind {
				case session.EventTranscript:
				case session.EventError:
					result = e.Err
				default:
					return
				}
				select {
				case hydrated <- result:
				default:
				}
			})
			defer unsubscribe()

			if err := s.SelectConversation(args[0]); err != nil {
				return err
			}

			select {
			case err := <-hydrated:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return fmt.Errorf("history with %s: %w", args[0], ctx.Err())
			}

			r := newRenderer(cmd.OutOrStdout(), app.cfg.UserID)
			r.header(s)
			r.transcript(s)
			return nil
		},
	}
}
