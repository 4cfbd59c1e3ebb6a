package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"privchat/internal/apiclient"
	"privchat/internal/config"
	"privchat/internal/directory"
	"privchat/internal/history"
	"privchat/internal/models"
	"privchat/internal/presence"
	"privchat/internal/session"
	"privchat/internal/transport"
)

// New wires a session for the configured user. The directory is loaded once
// to resolve the local profile; a rejected token is returned, any other
// failure falls back to the bare user id.
func New(ctx context.Context, cfg *config.Client, logger *slog.Logger) (*session.Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	api := apiclient.New(cfg.ServerURL, cfg.Token, &http.Client{Timeout: cfg.RequestTimeout})
	tracker := presence.NewTracker(logger)
	dir := directory.New(api, tracker, logger)

	local := models.User{ID: cfg.UserID, DisplayName: cfg.UserID}
	if _, err := dir.Load(ctx); err != nil {
		if errors.Is(err, models.ErrUnauthenticated) {
			return nil, err
		}
		logger.Warn("directory unavailable", "error", err)
	} else if u, err := dir.Get(cfg.UserID); err == nil {
		local = u
	}

	stream := transport.New(transport.Config{
		URL:             cfg.StreamURL(),
		Token:           cfg.Token,
		LocalUserID:     cfg.UserID,
		MaxRetries:      cfg.ReconnectMaxRetries,
		InitialInterval: cfg.ReconnectInitialInterval,
		MaxInterval:     cfg.ReconnectMaxInterval,
		Logger:          logger,
	})

	return session.New(session.Deps{
		LocalUser: local,
		Stream:    stream,
		Directory: dir,
		Presence:  tracker,
		History:   history.New(api, logger),
		Logger:    logger,
	}), nil
}
