package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"privchat/internal/metrics"
	"privchat/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type messageHub interface {
	Join(userID string) *Client
	Leave(c *Client)
	SetOnline(c *Client, announcedID string)
	SendPrivate(c *Client, msg models.OutgoingMessage) error
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	client     *Client
	fromClient chan models.Envelope
	errorCh    chan error
	logger     *slog.Logger
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	logger *slog.Logger,
) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		client:     hub.Join(userID),
		fromClient: make(chan models.Envelope),
		errorCh:    make(chan error, 2),
		logger:     logger,
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.client)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Warn("dropping malformed frame", "user_id", c.client.UserID, "error", err)
				continue
			}
			return err
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			c.processClientMessage(env)
		case env, ok := <-c.client.send:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(env models.Envelope) {
	metrics.IncWSEvent(directionIn, env.Event)

	switch env.Event {
	case models.EventSetOnline:
		var announced models.WireUser
		if err := json.Unmarshal(env.Data, &announced); err != nil {
			c.logger.Warn("malformed setOnline", "user_id", c.client.UserID, "error", err)
		}
		c.hub.SetOnline(c.client, announced.ID)
	case models.EventSendPrivateMessage:
		var msg models.OutgoingMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Warn("malformed sendPrivateMessage", "user_id", c.client.UserID, "error", err)
			return
		}
		if err := c.hub.SendPrivate(c.client, msg); err != nil {
			c.logger.Warn("private message rejected", "user_id", c.client.UserID, "recipient_id", msg.RecipientID, "error", err)
		}
	default:
		c.logger.Debug("unknown event", "user_id", c.client.UserID, "event", env.Event)
	}
}
