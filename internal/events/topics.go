package events

import (
	"time"

	"chat-client/internal/models"
)

const (
	// transport
	TopicRawFrame       Topic = "transport.raw_frame"
	TopicStateChanged   Topic = "transport.state_changed"
	TopicDisconnected   Topic = "transport.disconnected"
	TopicReconnecting   Topic = "transport.reconnecting"
	TopicGaveUp         Topic = "transport.gave_up"
	TopicSendRedirected Topic = "transport.send_redirected"
	TopicHeartbeatAck   Topic = "transport.heartbeat_ack"

	// dispatcher
	TopicAnyFrame Topic = "frame.*"

	// downstream state
	TopicStoreChanged    Topic = "store.changed"
	TopicTypingChanged   Topic = "presence.typing"
	TopicPresenceChanged Topic = "presence.user"
	TopicNotification    Topic = "ui.notification"
)

// FrameTopic returns the topic carrying decoded frames of type t.
func FrameTopic(t models.FrameType) Topic {
	return Topic("frame." + string(t))
}

// RawFrame is an undecoded frame read from the live connection.
type RawFrame struct {
	Transport string
	Data      []byte
}

// StateChanged reports a connection state transition.
type StateChanged struct {
	State     string
	Transport string
}

// Disconnected reports the loss of the live connection.
type Disconnected struct {
	Code        int
	Reason      string
	Intentional bool
}

// Reconnecting reports a scheduled reconnect.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// GaveUp reports that the reconnect cap was reached.
type GaveUp struct {
	Attempts int
	Err      error
}

// SendRedirected carries a queued frame the connected transport cannot write.
type SendRedirected struct {
	Frame models.OutboundFrame
}

// ChangeReason says why the store changed.
type ChangeReason string

const (
	ChangeMessageAdded      ChangeReason = "message_added"
	ChangeMessageUpdated    ChangeReason = "message_updated"
	ChangeMessageReconciled ChangeReason = "message_reconciled"
	ChangeMessageFailed     ChangeReason = "message_failed"
	ChangeConversation      ChangeReason = "conversation"
	ChangeRead              ChangeReason = "read"
	ChangePage              ChangeReason = "page"
)

// StoreChanged is published on every visible change to the conversation store.
type StoreChanged struct {
	ConversationID int64
	MessageID      int64
	ClientID       string
	Reason         ChangeReason
}

// TypingChanged is published when a remote typing indicator starts or clears.
type TypingChanged struct {
	ConversationID int64
	UserID         int64
	Typing         bool
	Active         bool
}

// PresenceChanged is published on a user status update.
type PresenceChanged struct {
	UserID        int64
	Online        bool
	LastSeen      *time.Time
	Conversations []int64
}

// Notification is an in-app notification received over the live connection.
type Notification struct {
	ConversationID int64
	Title          string
	Body           string
	Data           map[string]any
	ReceivedAt     time.Time
}
