package models

import (
	"slices"
	"time"
)

// MessageKind classifies message content.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindOffer  MessageKind = "offer"
	KindSystem MessageKind = "system"
)

// DeliveryStatus is the local delivery state of a message.
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusPending DeliveryStatus = "pending"
	StatusFailed  DeliveryStatus = "failed"
)

// Message represents a conversation message. ID is assigned by the server and
// grows monotonically within a conversation; provisional messages have ID 0
// and are identified by ClientID until confirmed.
type Message struct {
	ID             int64          `json:"id"`
	ClientID       string         `json:"client_id,omitempty"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Kind           MessageKind    `json:"kind"`
	Content        string         `json:"content"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Read           bool           `json:"read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`

	Status DeliveryStatus `json:"-"`
	Error  string         `json:"-"`
}

// Provisional reports whether the message has not been confirmed by the server.
func (m Message) Provisional() bool {
	return m.ID == 0
}

// Summary builds the conversation preview for m.
func (m Message) Summary() MessageSummary {
	return MessageSummary{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Kind:      m.Kind,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// Attachment is file metadata returned by the upload endpoint.
type Attachment struct {
	ID           int64  `json:"id"`
	MessageID    int64  `json:"message_id"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Reaction is the canonical set of users that reacted to a message with an emoji.
type Reaction struct {
	Emoji   string  `json:"emoji"`
	UserIDs []int64 `json:"user_ids"`
}

// Count returns the number of reacting users.
func (r Reaction) Count() int {
	return len(r.UserIDs)
}

// HasUser reports whether userID is among the reacting users.
func (r Reaction) HasUser(userID int64) bool {
	return slices.Contains(r.UserIDs, userID)
}

// TypingStatus is an in-memory typing fact.
type TypingStatus struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Typing         bool      `json:"is_typing"`
	At             time.Time `json:"timestamp"`
}
