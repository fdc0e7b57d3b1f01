// Package model holds the chat domain types shared by the REST client and the
// realtime session core.
package model

import "time"

// ChatKind distinguishes one-to-one and group conversations.
type ChatKind string

const (
	ChatPrivate ChatKind = "PRIVATE"
	ChatGroup   ChatKind = "GROUP"
)

// ChatHandle identifies a conversation. The id is immutable; participants and
// display metadata change via membership events.
type ChatHandle struct {
	ID             string   `json:"id"`
	Kind           ChatKind `json:"chatType"`
	Name           string   `json:"chatName,omitempty"`
	Description    string   `json:"chatDescription,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
	CreatorID      string   `json:"creatorId,omitempty"`
}

// User is the identity the gateway reports for login and participant lists.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"isOnline,omitempty"`
}

// MessageKind separates user text from server-originated notices.
type MessageKind string

const (
	MessageText   MessageKind = "TEXT"
	MessageSystem MessageKind = "SYSTEM"
)

// MessageStatus tracks an entry through optimistic delivery.
type MessageStatus int

const (
	// StatusConfirmed: the server assigned an id.
	StatusConfirmed MessageStatus = iota
	// StatusPending: local optimistic entry, not yet acknowledged.
	StatusPending
	// StatusFailed: send failed; the entry stays visible so the user can
	// retry, never silently dropped.
	StatusFailed
)

// Message is one entry in a chat sequence. ID is empty until the server
// assigns one; ClientTempID is always present on locally originated messages.
type Message struct {
	ID           string        `json:"id,omitempty"`
	ClientTempID string        `json:"clientTempId,omitempty"`
	ChatID       string        `json:"chatId"`
	SenderID     string        `json:"senderId,omitempty"`
	Content      string        `json:"content"`
	Kind         MessageKind   `json:"kind,omitempty"`
	CreatedAt    time.Time     `json:"createdAt,omitempty"`
	EditedAt     *time.Time    `json:"editedAt,omitempty"`
	Status       MessageStatus `json:"-"`
	FailReason   string        `json:"-"`
}

// Confirmed reports whether the message carries a server id.
func (m *Message) Confirmed() bool { return m.ID != "" }
