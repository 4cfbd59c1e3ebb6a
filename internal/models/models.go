package models

import (
	"fmt"
	"sort"
	"time"
)

// User is the canonical directory entry. Online is never stored: it is merged
// from the presence set whenever a User is read.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Bio         string `json:"bio,omitempty"`
	Online      bool   `json:"online"`
}

// Origin tells which source reported a transcript entry.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginHydrated   Origin = "hydrated"
	OriginLive       Origin = "live"
)

// DeliveryState only matters for locally composed messages.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is one transcript entry.
type Message struct {
	// ID is assigned by the server. Empty for optimistic entries until the echo arrives.
	ID string `json:"id,omitempty"`
	// TempID is generated locally for optimistic entries and kept after the upgrade.
	TempID            string        `json:"tempId,omitempty"`
	Content           string        `json:"content"`
	SenderID          string        `json:"senderId"`
	SenderDisplayName string        `json:"senderDisplayName"`
	SenderAvatarURL   string        `json:"senderAvatarUrl"`
	RecipientID       string        `json:"recipientId"`
	CreatedAt         time.Time     `json:"createdAt"`
	Origin            Origin        `json:"origin"`
	State             DeliveryState `json:"state,omitempty"`
	Seq               int64         `json:"seq"`
}

// Failed reports whether the message is a send that did not reach the server.
func (m Message) Failed() bool {
	return m.State == DeliveryFailed
}

// ConnectionState of the transport session.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// Session describes the live connection of the local user.
type Session struct {
	State       ConnectionState `json:"state"`
	LocalUserID string          `json:"localUserId"`
}

// ConversationKey returns the deterministic key of a one-to-one conversation.
// The pair is unordered: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

// Participants reports whether the message belongs to the pair {a, b}.
func (m Message) Participants(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) ||
		(m.SenderID == b && m.RecipientID == a)
}
