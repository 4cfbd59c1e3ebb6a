package relay

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"privchat/internal/content"
	"privchat/internal/metrics"
	"privchat/internal/models"

	"github.com/google/uuid"
)

const (
	clientBuffer = 100
	historyLimit = 500
	directionOut = "out"
	directionIn  = "in"
)

// Store is the persistence the hub needs.
type Store interface {
	GetUser(id string) (models.User, error)
	AppendMessage(msg models.Message) (models.Message, error)
	ListMessages(u1, u2 string, limit int) ([]models.Message, error)
}

// Client is one websocket connection as the hub sees it.
type Client struct {
	UserID string
	send   chan models.Envelope

	// announced is set by the first setOnline. Guarded by Hub.mu.
	announced bool
}

// Hub routes private messages between connections and keeps the online set.
// A user is online while at least one of their connections has announced itself.
type Hub struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	clients map[*Client]struct{}
	online  map[string]int
}

func NewHub(store Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:   store,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		clients: make(map[*Client]struct{}),
		online:  make(map[string]int),
	}
}

// Join registers a new connection of userID. The user is not online until
// the connection sends setOnline.
func (h *Hub) Join(userID string) *Client {
	c := &Client{
		UserID: userID,
		send:   make(chan models.Envelope, clientBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	return c
}

// Leave removes one connection and closes its outbox. Other connections of
// the same user are unaffected.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	if !c.announced {
		return
	}
	h.online[c.UserID]--
	if h.online[c.UserID] > 0 {
		return
	}
	delete(h.online, c.UserID)
	h.logger.Info("user offline", "user_id", c.UserID)
	h.broadcastPresenceLocked()
}

// SetOnline marks the connection's user online and broadcasts the online set.
// The announced id must match the authenticated one; a mismatch is logged and
// the authenticated id is used.
func (h *Hub) SetOnline(c *Client, announcedID string) {
	if announcedID != "" && announcedID != c.UserID {
		h.logger.Warn("setOnline for another user ignored", "user_id", c.UserID, "announced_id", announcedID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	if !c.announced {
		c.announced = true
		h.online[c.UserID]++
		if h.online[c.UserID] == 1 {
			h.logger.Info("user online", "user_id", c.UserID)
		}
	}
	h.broadcastPresenceLocked()
}

// SendPrivate stores a message from the connection's user and delivers it to
// every connection of the recipient and of the sender.
func (h *Hub) SendPrivate(c *Client, out models.OutgoingMessage) error {
	recipient, err := h.store.GetUser(out.RecipientID)
	if err != nil {
		return fmt.Errorf("recipient %q: %w", out.RecipientID, err)
	}
	sender, err := h.store.GetUser(c.UserID)
	if err != nil {
		sender = models.User{ID: c.UserID, DisplayName: c.UserID}
	}

	body, err := content.Message(out.Content)
	if err != nil {
		return err
	}

	stored, err := h.store.AppendMessage(models.Message{
		ID:          h.newID(),
		Content:     body,
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		CreatedAt:   h.now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to store message", "user_id", c.UserID, "recipient_id", recipient.ID, "error", err)
		return fmt.Errorf("failed to store message: %w", err)
	}
	metrics.IncMessageStored()

	env, err := models.NewEnvelope(models.EventPrivateMessage, ToWire(stored, sender, recipient))
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if cl.UserID == sender.ID || cl.UserID == recipient.ID {
			h.deliverLocked(cl, env)
		}
	}
	return nil
}

// History returns the stored conversation between userID and counterpartID in wire form.
func (h *Hub) History(userID, counterpartID string) ([]models.WireMessage, error) {
	counterpart, err := h.store.GetUser(counterpartID)
	if err != nil {
		return nil, err
	}
	user, err := h.store.GetUser(userID)
	if err != nil {
		user = models.User{ID: userID, DisplayName: userID}
	}

	msgs, err := h.store.ListMessages(userID, counterpartID, historyLimit)
	if err != nil {
		return nil, err
	}

	out := make([]models.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderID == userID {
			out = append(out, ToWire(m, user, counterpart))
		} else {
			out = append(out, ToWire(m, counterpart, user))
		}
	}
	return out, nil
}

// OnlineUsers returns the sorted ids of online users.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// CloseAll closes every outbox so the connections wind down.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
	}
	clear(h.clients)
	clear(h.online)
	metrics.SetOnlineUsers(0)
}

func (h *Hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.online))
	for id := range h.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Hub) broadcastPresenceLocked() {
	snapshot := h.onlineLocked()
	metrics.SetOnlineUsers(len(snapshot))

	env, err := models.NewEnvelope(models.EventOnlineUsers, snapshot)
	if err != nil {
		h.logger.Error("failed to encode presence", "error", err)
		return
	}
	for c := range h.clients {
		h.deliverLocked(c, env)
	}
}

// deliverLocked never blocks; a connection that cannot keep up loses the frame.
func (h *Hub) deliverLocked(c *Client, env models.Envelope) {
	select {
	case c.send <- env:
		metrics.IncWSEvent(directionOut, env.Event)
	default:
		metrics.IncDroppedFrame()
		h.logger.Warn("dropping frame for slow connection", "user_id", c.UserID, "event", env.Event)
	}
}

// ToWire renders a stored message with its participants.
func ToWire(m models.Message, sender, recipient models.User) models.WireMessage {
	return models.WireMessage{
		ID:        m.ID,
		Content:   m.Content,
		Sender:    models.FromUser(sender),
		Recipient: models.FromUser(recipient),
		CreatedAt: m.CreatedAt,
	}
}
