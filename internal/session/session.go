package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"privchat/internal/chat"
	"privchat/internal/models"
	"privchat/internal/transport"
)

// Stream is the live connection to the messaging server.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(event string, payload any) error
	Subscribe(event string, handler transport.Handler) (unsubscribe func())
	OnStateChange(fn func(models.ConnectionState)) (unsubscribe func())
	Session() models.Session
	Err() error
}

type Directory interface {
	Load(ctx context.Context) ([]models.User, error)
	Get(userID string) (models.User, error)
	List() []models.User
}

type Presence interface {
	Handle(data json.RawMessage) error
	IsOnline(userID string) bool
}

type History interface {
	Fetch(ctx context.Context, counterpartID string) ([]models.Message, error)
}

type Deps struct {
	LocalUser models.User
	Stream    Stream
	Directory Directory
	Presence  Presence
	History   History
	Logger    *slog.Logger

	// Now and NewID default to the wall clock and random uuids.
	Now   func() time.Time
	NewID func() string
}

// EventKind classifies change notifications.
type EventKind string

const (
	EventSelected   EventKind = "selected"
	EventTranscript EventKind = "transcript"
	EventPresence   EventKind = "presence"
	EventConnection EventKind = "connection"
	EventError      EventKind = "error"
)

type Event struct {
	Kind          EventKind
	CounterpartID string
	State         models.ConnectionState
	Err           error
}

// Header is the conversation header as it should be rendered right now.
type Header struct {
	CounterpartID string
	DisplayName   string
	AvatarURL     string
	Online        bool
}

func (h Header) Status() string {
	if h.Online {
		return "Online"
	}
	return "Offline"
}

type listener struct {
	id uint64
	fn func(Event)
}

// Session keeps the open one-to-one conversation consistent across the
// history snapshot, the live stream and optimistic local sends.
//
// All state changes happen under mu, so stream handlers, hydration results
// and user actions never interleave on the transcript. Listeners are called
// after mu is released.
type Session struct {
	local     models.User
	stream    Stream
	directory Directory
	presence  Presence
	history   History
	logger    *slog.Logger

	mu          sync.Mutex
	transcript  *chat.Transcript
	active      string
	epoch       uint64
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
	lastErr     error
	disabled    error
	unbind      []func()
	baseCtx     context.Context
	cancelBase  context.CancelFunc

	listenersMu sync.Mutex
	listeners   []listener
	lastID      uint64

	fetches sync.WaitGroup
}

func New(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Session{
		local:     deps.LocalUser,
		stream:    deps.Stream,
		directory: deps.Directory,
		presence:  deps.Presence,
		history:   deps.History,
		logger:    logger,
		transcript: chat.New(chat.Config{
			LocalUserID: deps.LocalUser.ID,
			Now:         deps.Now,
			NewID:       deps.NewID,
			Logger:      logger,
		}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Start loads the directory unless it is already populated, binds the stream
// handlers and connects. A rejected token disables the session and is
// returned. A history fetch abandoned by an earlier Stop is issued again.
func (s *Session) Start(ctx context.Context) error {
	if len(s.directory.List()) == 0 {
		if _, err := s.directory.Load(ctx); err != nil {
			if errors.Is(err, models.ErrUnauthenticated) {
				s.disable(err)
				return err
			}
			s.logger.Warn("directory unavailable, continuing without it", "error", err)
		}
	}

	s.bind()
	s.resumeHydration()

	if err := s.stream.Connect(ctx); err != nil {
		if errors.Is(err, models.ErrUnauthenticated) {
			s.disable(err)
		}
		return err
	}
	return nil
}

// Stop unbinds the handlers, abandons pending fetches and disconnects.
// The session can be started again afterwards.
func (s *Session) Stop() error {
	s.mu.Lock()
	unbind := s.unbind
	s.unbind = nil
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.cancelBase()
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.mu.Unlock()

	for _, fn := range unbind {
		fn()
	}
	err := s.stream.Disconnect()
	s.fetches.Wait()
	return err
}

// resumeHydration refetches the active conversation when its fetch was
// cancelled before it could complete.
func (s *Session) resumeHydration() {
	s.mu.Lock()
	if s.disabled != nil || s.active == "" || s.transcript.State() != chat.StateHydrating ||
		s.fetchCtx == nil || s.fetchCtx.Err() == nil {
		s.mu.Unlock()
		return
	}
	counterpartID := s.active
	ctx, epoch := s.newFetchLocked()
	s.mu.Unlock()

	s.logger.Debug("resuming history fetch", "counterpart_id", counterpartID)
	s.fetches.Go(func() {
		s.hydrate(ctx, counterpartID, epoch)
	})
}

// bind (re)registers the stream handlers. Previous registrations are removed
// first so handlers never accumulate.
func (s *Session) bind() {
	s.mu.Lock()
	previous := s.unbind
	s.unbind = nil
	s.mu.Unlock()

	for _, fn := range previous {
		fn()
	}

	unbind := []func(){
		s.stream.Subscribe(models.EventPrivateMessage, s.handlePrivateMessage),
		s.stream.Subscribe(models.EventOnlineUsers, s.handleOnlineUsers),
		s.stream.OnStateChange(s.handleState),
	}

	s.mu.Lock()
	s.unbind = unbind
	s.mu.Unlock()
}

// SelectConversation opens the conversation with counterpartID. The previous
// transcript is discarded and the history is fetched in the background; a
// fetch result is applied only while its selection is still the active one.
// Selecting the same counterpart again refetches.
func (s *Session) SelectConversation(counterpartID string) error {
	if counterpartID == "" {
		return models.ErrNoConversation
	}

	s.mu.Lock()
	if s.disabled != nil {
		s.mu.Unlock()
		return s.disabled
	}
	s.active = counterpartID
	s.lastErr = nil
	s.transcript.Reset(counterpartID)
	ctx, epoch := s.newFetchLocked()
	s.mu.Unlock()

	s.logger.Info("conversation selected", "counterpart_id", counterpartID)
	s.notify(Event{Kind: EventSelected, CounterpartID: counterpartID})

	s.fetches.Go(func() {
		s.hydrate(ctx, counterpartID, epoch)
	})
	return nil
}

// newFetchLocked supersedes any outstanding fetch. Callers hold mu.
func (s *Session) newFetchLocked() (context.Context, uint64) {
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.epoch++
	s.fetchCtx, s.cancelFetch = context.WithCancel(s.baseCtx)
	return s.fetchCtx, s.epoch
}

func (s *Session) hydrate(ctx context.Context, counterpartID string, epoch uint64) {
	msgs, err := s.history.Fetch(ctx, counterpartID)

	s.mu.Lock()
	if epoch != s.epoch || counterpartID != s.active || ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Debug("discarding history", "counterpart_id", counterpartID, "reason", models.ErrStaleResult)
		return
	}
	if err != nil {
		s.lastErr = err
		if errors.Is(err, models.ErrUnauthenticated) {
			s.disabled = err
		}
		s.mu.Unlock()

		s.logger.Warn("history fetch failed", "counterpart_id", counterpartID, "error", err)
		s.notify(Event{Kind: EventError, CounterpartID: counterpartID, Err: err})
		return
	}
	for i := range msgs {
		s.resolveSender(&msgs[i])
	}
	s.transcript.Seed(msgs)
	s.mu.Unlock()

	s.logger.Info("conversation hydrated", "counterpart_id", counterpartID, "messages", len(msgs))
	s.notify(Event{Kind: EventTranscript, CounterpartID: counterpartID})
}

// SendMessage appends an optimistic entry and emits it. When the stream is
// not open the entry stays in the transcript marked failed and the error is
// returned; resending is the caller's decision.
func (s *Session) SendMessage(content string) (models.Message, error) {
	s.mu.Lock()
	if s.disabled != nil {
		s.mu.Unlock()
		return models.Message{}, s.disabled
	}
	msg, err := s.transcript.AddOptimistic(content, s.local)
	if err != nil {
		s.mu.Unlock()
		return models.Message{}, err
	}
	s.mu.Unlock()

	s.notify(Event{Kind: EventTranscript, CounterpartID: msg.RecipientID})
	return s.emit(msg)
}

// Resend emits a failed optimistic entry again. Entries that are pending or
// already delivered are not resent and yield models.ErrNotFound.
func (s *Session) Resend(tempID string) (models.Message, error) {
	s.mu.Lock()
	if s.disabled != nil {
		s.mu.Unlock()
		return models.Message{}, s.disabled
	}
	msg, ok := s.transcript.MarkPending(tempID)
	s.mu.Unlock()
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", tempID, models.ErrNotFound)
	}

	s.notify(Event{Kind: EventTranscript, CounterpartID: msg.RecipientID})
	return s.emit(msg)
}

func (s *Session) emit(msg models.Message) (models.Message, error) {
	recipientName := msg.RecipientID
	if u, err := s.directory.Get(msg.RecipientID); err == nil {
		recipientName = u.DisplayName
	}

	err := s.stream.Emit(models.EventSendPrivateMessage, models.OutgoingMessage{
		Content:       msg.Content,
		SenderID:      s.local.ID,
		SenderName:    s.local.DisplayName,
		SenderPhoto:   s.local.AvatarURL,
		RecipientID:   msg.RecipientID,
		RecipientName: recipientName,
	})
	if err == nil {
		return msg, nil
	}

	s.mu.Lock()
	marked := s.transcript.MarkFailed(msg.TempID)
	s.mu.Unlock()

	msg.State = models.DeliveryFailed
	s.logger.Warn("send failed", "counterpart_id", msg.RecipientID, "temp_id", msg.TempID, "error", err)
	if marked {
		s.notify(Event{Kind: EventTranscript, CounterpartID: msg.RecipientID, Err: err})
	}
	return msg, fmt.Errorf("failed to send message: %w", err)
}

func (s *Session) handlePrivateMessage(data json.RawMessage) {
	var wm models.WireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		s.logger.Warn("dropping privateMessage", "error", err)
		return
	}
	if err := wm.Validate(); err != nil {
		s.logger.Warn("dropping privateMessage", "error", err)
		return
	}
	msg := wm.ToMessage(models.OriginLive)

	s.mu.Lock()
	if s.disabled != nil {
		s.mu.Unlock()
		return
	}
	s.resolveSender(&msg)
	_, outcome := s.transcript.ApplyLive(msg)
	counterpart := s.active
	s.mu.Unlock()

	switch outcome {
	case chat.OutcomeAppended, chat.OutcomeUpgraded, chat.OutcomeDuplicate:
		s.notify(Event{Kind: EventTranscript, CounterpartID: counterpart})
	}
}

func (s *Session) handleOnlineUsers(data json.RawMessage) {
	if err := s.presence.Handle(data); err != nil {
		return
	}
	s.notify(Event{Kind: EventPresence})
}

func (s *Session) handleState(state models.ConnectionState) {
	var err error
	if state == models.StateClosed {
		err = s.stream.Err()
		if errors.Is(err, models.ErrUnauthenticated) {
			s.disable(err)
		}
	}
	s.notify(Event{Kind: EventConnection, State: state, Err: err})
}

// resolveSender fills display metadata the payload did not carry. Callers hold mu.
func (s *Session) resolveSender(msg *models.Message) {
	if msg.SenderDisplayName != "" && msg.SenderDisplayName != msg.SenderID && msg.SenderAvatarURL != "" {
		return
	}
	u, err := s.directory.Get(msg.SenderID)
	if err != nil {
		return
	}
	if msg.SenderDisplayName == "" || msg.SenderDisplayName == msg.SenderID {
		msg.SenderDisplayName = u.DisplayName
	}
	if msg.SenderAvatarURL == "" {
		msg.SenderAvatarURL = u.AvatarURL
	}
}

func (s *Session) disable(err error) {
	s.mu.Lock()
	if s.disabled == nil {
		s.disabled = err
		s.lastErr = err
	}
	s.mu.Unlock()
	s.logger.Warn("session disabled", "user_id", s.local.ID, "error", err)
}

// Transcript returns the ordered messages of the open conversation.
func (s *Session) Transcript() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Messages()
}

func (s *Session) ConversationState() chat.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.State()
}

// Active returns the selected counterpart.
func (s *Session) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// Err returns the last recoverable error, such as a failed history fetch.
// It is cleared by the next selection.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Presence reports whether userID is online according to the latest snapshot.
func (s *Session) Presence(userID string) bool {
	return s.presence.IsOnline(userID)
}

// Header describes the active counterpart. Online status is evaluated at call time.
func (s *Session) Header() (Header, bool) {
	counterpartID, ok := s.Active()
	if !ok {
		return Header{}, false
	}

	h := Header{CounterpartID: counterpartID, DisplayName: counterpartID}
	if u, err := s.directory.Get(counterpartID); err == nil {
		h.DisplayName = u.DisplayName
		h.AvatarURL = u.AvatarURL
	}
	h.Online = s.presence.IsOnline(counterpartID)
	return h, true
}

// Users returns the directory with presence merged in.
func (s *Session) Users() []models.User {
	return s.directory.List()
}

// RefreshDirectory reloads the roster.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	_, err := s.directory.Load(ctx)
	return err
}

func (s *Session) Connection() models.Session {
	return s.stream.Session()
}

// OnChange registers a listener for session changes.
func (s *Session) OnChange(fn func(Event)) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.lastID++
	id := s.lastID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(l listener) bool { return l.id == id })
		})
	}
}

func (s *Session) notify(e Event) {
	s.listenersMu.Lock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(e)
	}
}
