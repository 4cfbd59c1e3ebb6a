package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Stream event names.
const (
	EventSetOnline          = "setOnline"
	EventSendPrivateMessage = "sendPrivateMessage"
	EventPrivateMessage     = "privateMessage"
	EventOnlineUsers        = "onlineUsers"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// OutgoingMessage is the sendPrivateMessage payload.
type OutgoingMessage struct {
	Content       string `json:"content"`
	SenderID      string `json:"senderId"`
	SenderName    string `json:"senderName"`
	SenderPhoto   string `json:"senderPhoto"`
	RecipientID   string `json:"recipientId"`
	RecipientName string `json:"recipientName"`
}

// WireUser is a user as the REST and stream payloads carry it.
//
// Servers have shipped several spellings of the same fields over time
// (id/_id, username/name, photoUrl/photo). Decoding accepts all of them and a
// bare JSON string is read as the id, so callers only ever see the canonical
// names.
type WireUser struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

func (u *WireUser) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &u.ID)
	}

	var raw struct {
		ID          string `json:"id"`
		MongoID     string `json:"_id"`
		Username    string `json:"username"`
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
		Photo       string `json:"photo"`
		AvatarURL   string `json:"avatarUrl"`
		Bio         string `json:"bio"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = WireUser{
		ID:       firstNonEmpty(raw.ID, raw.MongoID),
		Username: firstNonEmpty(raw.Username, raw.Name, raw.DisplayName),
		PhotoURL: firstNonEmpty(raw.PhotoURL, raw.Photo, raw.AvatarURL),
		Bio:      raw.Bio,
	}
	return nil
}

// ToUser converts the payload into a canonical User. An entry without an id is rejected.
func (u WireUser) ToUser() (User, error) {
	if u.ID == "" {
		return User{}, fmt.Errorf("user without id: %w", ErrMalformedPayload)
	}
	name := u.Username
	if name == "" {
		name = u.ID
	}
	return User{
		ID:          u.ID,
		DisplayName: name,
		AvatarURL:   u.PhotoURL,
		Bio:         u.Bio,
	}, nil
}

// FromUser renders a canonical User in the canonical wire spelling.
func FromUser(u User) WireUser {
	return WireUser{
		ID:       u.ID,
		Username: u.DisplayName,
		PhotoURL: u.AvatarURL,
		Bio:      u.Bio,
	}
}

// UserList is the body of GET /api/user/all.
type UserList struct {
	Users []WireUser `json:"users"`
}

// WireMessage is a stored message as the history endpoint and the privateMessage event carry it.
type WireMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    WireUser  `json:"sender"`
	Recipient WireUser  `json:"recipient"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m *WireMessage) UnmarshalJSON(data []byte) error {
	type alias WireMessage
	var raw struct {
		alias
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = WireMessage(raw.alias)
	m.ID = firstNonEmpty(m.ID, raw.MongoID)
	return nil
}

// Validate checks the fields every server-originated message must carry.
func (m WireMessage) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("message without id: %w", ErrMalformedPayload)
	case m.Sender.ID == "":
		return fmt.Errorf("message %s without sender: %w", m.ID, ErrMalformedPayload)
	case m.Recipient.ID == "":
		return fmt.Errorf("message %s without recipient: %w", m.ID, ErrMalformedPayload)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("message %s without timestamp: %w", m.ID, ErrMalformedPayload)
	}
	return nil
}

// ToMessage converts a validated payload into a transcript entry.
func (m WireMessage) ToMessage(origin Origin) Message {
	name := m.Sender.Username
	if name == "" {
		name = m.Sender.ID
	}
	return Message{
		ID:                m.ID,
		Content:           m.Content,
		SenderID:          m.Sender.ID,
		SenderDisplayName: name,
		SenderAvatarURL:   m.Sender.PhotoURL,
		RecipientID:       m.Recipient.ID,
		CreatedAt:         m.CreatedAt,
		Origin:            origin,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
