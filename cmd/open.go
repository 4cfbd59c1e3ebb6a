package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"

	"privchat/internal/models"
	"privchat/internal/session"

	"github.com/spf13/cobra"
)

const openHelp = `Type a message and press enter to send it.
  /open <user-id>  switch conversation
  /users           list users and their presence
  /retry           resend undelivered messages
  /quit            leave
`

func newOpenCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <user-id>",
		Short: "Open an interactive conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := app.session(ctx)
			if err != nil {
				return err
			}

			r := newRenderer(cmd.OutOrStdout(), app.cfg.UserID)
			unsubscribe := s.OnChange(func(e session.Event) {
				r.handle(s, e)
			})
			defer unsubscribe()

			if err := s.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			if err := s.SelectConversation(args[0]); err != nil {
				return err
			}
			r.say("%s", openHelp)

			return readLoop(ctx, cmd.InOrStdin(), func(line string) (bool, error) {
				return dispatch(s, r, line)
			})
		},
	}
}

// readLoop feeds stdin lines to handle until it asks to stop, stdin ends or
// ctx is done.
func readLoop(ctx context.Context, in io.Reader, handle func(line string) (bool, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			quit, err := handle(line)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func dispatch(s *session.Session, r *renderer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/quit":
		return true, nil
	case "/open":
		if err := s.SelectConversation(strings.TrimSpace(arg)); err != nil {
			r.say("! %v\n", err)
		}
	case "/users":
		for _, u := range s.Users() {
			status := "offline"
			if s.Presence(u.ID) {
				status = "online"
			}
			r.say("  %s\t%s\t%s\n", u.ID, u.DisplayName, status)
		}
	case "/retry":
		for _, tempID := range r.failedIDs() {
			if _, err := s.Resend(tempID); err != nil {
				r.say("! %v\n", err)
			}
		}
	default:
		if strings.HasPrefix(command, "/") {
			r.say("%s", openHelp)
			return false, nil
		}
		msg, err := s.SendMessage(line)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrUnauthenticated):
			return false, err
		case msg.Failed():
			// Stays in the transcript; the renderer reports it.
		default:
			r.say("! %v\n", err)
		}
	}
	return false, nil
}
