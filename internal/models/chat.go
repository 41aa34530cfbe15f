package models

import "time"

// ListingRef points at the marketplace listing a conversation is about.
type ListingRef struct {
	ID    int64  `json:"id"`
	Title string `json:"title,omitempty"`
}

// Participant is one side of a conversation.
type Participant struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name,omitempty"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// MessageSummary is the last-message preview kept on a conversation.
type MessageSummary struct {
	MessageID int64       `json:"message_id"`
	SenderID  int64       `json:"sender_id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Conversation is a private conversation between two users about a listing.
type Conversation struct {
	ID           int64           `json:"id"`
	Listing      ListingRef      `json:"listing"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	UnreadCount  int             `json:"unread_count"`
	Archived     bool            `json:"archived"`
	Blocked      bool            `json:"blocked"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ConversationPage is one page of the conversation listing.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Page          int            `json:"page"`
	HasMore       bool           `json:"has_more"`
}

// MessagePage is one cursor page of messages, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
