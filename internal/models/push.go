package models

import "time"

// PushSubscription is a push endpoint registered for a user.
type PushSubscription struct {
	Endpoint  string    `db:"endpoint" json:"endpoint"`
	P256DH    string    `db:"p256dh" json:"p256dh"`
	Auth      string    `db:"auth" json:"auth"`
	UserID    int64     `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PushAction is a suggested notification action button.
type PushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushPayload is the decoded body of a push event.
type PushPayload struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Tag     string         `json:"tag,omitempty"`
	Badge   *int           `json:"badge,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Actions []PushAction   `json:"actions,omitempty"`
}

// ConversationID extracts data.conversation_id, accepting JSON numbers and
// numeric strings.
func (p PushPayload) ConversationID() (int64, bool) {
	return int64Field(p.Data, "conversation_id")
}

// TrackingEvent is an analytics event waiting to be delivered.
type TrackingEvent struct {
	ID        int64     `db:"id" json:"-"`
	Name      string    `db:"name" json:"name"`
	Payload   string    `db:"payload" json:"payload"`
	Attempts  int       `db:"attempts" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
