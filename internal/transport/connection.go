package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"privchat/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxRetries      = 10
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	handshakeTimeout       = 10 * time.Second
)

// Conn is the part of *websocket.Conn the Connection uses.
type Conn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Dialer opens one websocket. It returns models.ErrUnauthenticated when the
// server rejects the token; any other error is retried.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

type Config struct {
	URL         string
	Token       string
	LocalUserID string

	// MaxRetries bounds consecutive failed dials before the Connection gives up.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *slog.Logger
}

type Option func(*Connection)

func WithDialer(d Dialer) Option {
	return func(c *Connection) {
		c.dial = d
	}
}

type subscription struct {
	id      uint64
	handler Handler
}

type stateListener struct {
	id uint64
	fn func(models.ConnectionState)
}

// Connection owns the long-lived stream to the messaging server. It redials
// with exponential backoff and announces the local user after every
// successful dial. Subscriptions belong to the Connection, not to a socket,
// so they survive reconnects.
type Connection struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu             sync.Mutex
	state          models.ConnectionState
	conn           Conn
	err            error
	handlers       map[string][]subscription
	stateListeners []stateListener
	lastID         uint64
	cancel         context.CancelFunc
	done           chan struct{}

	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex
}

func New(cfg Config, opts ...Option) *Connection {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Connection{
		cfg:      cfg,
		dial:     WebsocketDialer(handshakeTimeout),
		logger:   cfg.Logger,
		state:    models.StateClosed,
		handlers: make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(timeout time.Duration) Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, models.ErrUnauthenticated)
			}
			return nil, fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
		}
		return conn, nil
	}
}

// Connect starts the connection loop and waits for the first dial attempt.
// ctx bounds the lifetime of the whole session, reconnects included.
//
// Only a rejected token is returned as an error. Network failures are retried
// in the background; when retries are exhausted the state becomes closed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(ctx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the socket and stops reconnecting.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Subscribe registers a handler for an inbound event. Handlers of one event
// run in registration order on the reader goroutine.
func (c *Connection) Subscribe(event string, handler Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++
	id := c.lastID
	c.handlers[event] = append(c.handlers[event], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.handlers[event] = slices.DeleteFunc(c.handlers[event], func(s subscription) bool {
				return s.id == id
			})
		})
	}
}

// OnStateChange registers a listener for connection state transitions.
func (c *Connection) OnStateChange(fn func(models.ConnectionState)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++
	id := c.lastID
	c.stateListeners = append(c.stateListeners, stateListener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.stateListeners = slices.DeleteFunc(c.stateListeners, func(l stateListener) bool {
				return l.id == id
			})
		})
	}
}

// Emit sends one event. It fails with models.ErrNotConnected unless the stream is open.
func (c *Connection) Emit(event string, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != models.StateOpen || conn == nil {
		return models.ErrNotConnected
	}

	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.write(conn, env)
}

// Session reports the current state of the stream.
func (c *Connection) Session() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.Session{State: c.state, LocalUserID: c.cfg.LocalUserID}
}

// Err returns the reason the connection loop stopped, if it stopped on its own.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) run(ctx context.Context, first chan<- error) {
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		done := c.done
		c.mu.Unlock()
		close(done)
	}()

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	b := c.newBackOff(ctx)
	for {
		c.setState(models.StateConnecting, nil)

		conn, err := c.dial(ctx, c.cfg.URL, c.header())
		if err != nil {
			if errors.Is(err, models.ErrUnauthenticated) {
				c.logger.Warn("stream handshake rejected", "user_id", c.cfg.LocalUserID, "error", err)
				c.setState(models.StateClosed, err)
				report(err)
				return
			}
			if ctx.Err() != nil {
				c.setState(models.StateClosed, nil)
				report(nil)
				return
			}
			c.logger.Warn("stream dial failed", "user_id", c.cfg.LocalUserID, "error", err)
			report(nil)
			if !c.wait(ctx, b) {
				c.giveUp(ctx, err)
				return
			}
			continue
		}

		if err := c.attach(conn); err != nil {
			_ = conn.Close()
			c.logger.Warn("stream announce failed", "user_id", c.cfg.LocalUserID, "error", err)
			report(nil)
			if !c.wait(ctx, b) {
				c.giveUp(ctx, err)
				return
			}
			continue
		}
		b.Reset()
		report(nil)

		err = c.readLoop(ctx, conn)
		c.detach(conn)

		if ctx.Err() != nil {
			c.setState(models.StateClosed, nil)
			return
		}
		c.logger.Info("stream lost, reconnecting", "user_id", c.cfg.LocalUserID, "error", err)
		if !c.wait(ctx, b) {
			c.giveUp(ctx, err)
			return
		}
	}
}

// attach announces the local user on a fresh socket and only then opens it
// for Emit, so setOnline is always the first frame of every connection.
func (c *Connection) attach(conn Conn) error {
	env, err := models.NewEnvelope(models.EventSetOnline, c.cfg.LocalUserID)
	if err != nil {
		return err
	}
	if err := c.write(conn, env); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(models.StateOpen, nil)
	c.logger.Info("stream connected", "user_id", c.cfg.LocalUserID)
	return nil
}

func (c *Connection) detach(conn Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Connection) giveUp(ctx context.Context, last error) {
	if ctx.Err() != nil {
		c.setState(models.StateClosed, nil)
		return
	}
	err := fmt.Errorf("reconnect attempts exhausted: %w", models.ErrNetworkUnavailable)
	c.logger.Warn("stream disconnected", "user_id", c.cfg.LocalUserID, "error", last)
	c.setState(models.StateClosed, err)
}

func (c *Connection) readLoop(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			return err
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env models.Envelope) {
	c.mu.Lock()
	subs := slices.Clone(c.handlers[env.Event])
	c.mu.Unlock()

	for _, s := range subs {
		s.handler(env.Data)
	}
}

func (c *Connection) write(conn Conn, env models.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteJSON(env); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
	}
	return nil
}

func (c *Connection) setState(state models.ConnectionState, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if err != nil {
		c.err = err
	}
	listeners := slices.Clone(c.stateListeners)
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		l.fn(state)
	}
}

func (c *Connection) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

func (c *Connection) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialInterval
	exp.MaxInterval = c.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.cfg.MaxRetries), ctx)
}

func (c *Connection) wait(ctx context.Context, b backoff.BackOff) bool {
	next := b.NextBackOff()
	if next == backoff.Stop {
		return false
	}

	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
