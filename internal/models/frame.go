package models

import (
	"encoding/json"
	"time"
)

// FrameType is the discriminant of a live-transport frame.
type FrameType string

const (
	FrameNewMessage     FrameType = "new_message"
	FrameMessageUpdate  FrameType = "message_update"
	FrameTypingStatus   FrameType = "typing_status"
	FrameReadReceipt    FrameType = "read_receipt"
	FrameUserStatus     FrameType = "user_status"
	FrameReactionUpdate FrameType = "reaction_update"
	FrameNotification   FrameType = "notification"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"

	// client-originated
	FrameSendMessage FrameType = "send_message"
)

// KnownFrameTypes lists the inbound types routed to a dedicated consumer.
var KnownFrameTypes = []FrameType{
	FrameNewMessage,
	FrameMessageUpdate,
	FrameTypingStatus,
	FrameReadReceipt,
	FrameUserStatus,
	FrameReactionUpdate,
	FrameNotification,
}

// Frame is a decoded inbound frame. Raw keeps the full JSON object so each
// consumer can decode its type-specific fields.
type Frame struct {
	Type           FrameType       `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Raw            json.RawMessage `json:"-"`
}

// Decode unmarshals the type-specific fields of the frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// OutboundFrame is a client-originated frame handed to the transport.
type OutboundFrame struct {
	Type           FrameType `json:"type"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewMessageFrame carries a created message. ClientID echoes the
// provisional identity when the sender was this client.
type NewMessageFrame struct {
	Message  Message `json:"message"`
	ClientID string  `json:"client_id,omitempty"`
}

// MessageUpdateFrame carries an edited or deleted message.
type MessageUpdateFrame struct {
	Message Message `json:"message"`
}

// TypingFrame is both the inbound typing_status frame and the outbound payload.
type TypingFrame struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id,omitempty"`
	IsTyping       bool  `json:"is_typing"`
}

// ReadReceiptFrame tells that ReaderID has read messages up to UpToID, or the
// explicit MessageIDs when set.
type ReadReceiptFrame struct {
	ConversationID int64     `json:"conversation_id"`
	ReaderID       int64     `json:"reader_id"`
	MessageIDs     []int64   `json:"message_ids,omitempty"`
	UpToID         int64     `json:"up_to_id,omitempty"`
	ReadAt         time.Time `json:"read_at"`
}

// UserStatusFrame is a presence update.
type UserStatusFrame struct {
	UserID   int64      `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// ReactionUpdateFrame carries the canonical reactions of a message.
type ReactionUpdateFrame struct {
	ConversationID int64      `json:"conversation_id"`
	MessageID      int64      `json:"message_id"`
	Reactions      []Reaction `json:"reactions"`
}

// NotificationFrame is a generic in-app notification.
type NotificationFrame struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// SendMessagePayload is the payload of an outbound send_message frame.
type SendMessagePayload struct {
	Kind     MessageKind    `json:"kind"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
