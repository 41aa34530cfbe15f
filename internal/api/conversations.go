package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"chat-client/internal/models"
)

// SendMessageRequest is the REST body used when the live transport cannot
// carry a message.
type SendMessageRequest struct {
	ClientID string             `json:"client_id,omitempty"`
	Kind     models.MessageKind `json:"kind"`
	Content  string             `json:"content"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// ListConversations returns one page of conversations, optionally filtered
// by search.
func (c *Client) ListConversations(ctx context.Context, page int, search string) (models.ConversationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if search != "" {
		q.Set("search", search)
	}

	var out models.ConversationPage
	err := c.doJSON(ctx, http.MethodGet, "/conversations?"+q.Encode(), "/conversations", nil, &out)
	if out.Page == 0 {
		out.Page = page
	}
	return out, err
}

// GetConversation fetches a single conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var out models.Conversation
	path := fmt.Sprintf("/conversations/%d", conversationID)
	err := c.doJSON(ctx, http.MethodGet, path, "/conversations/{id}", nil, &out)
	return out, err
}

// ListMessages returns up to limit messages older than before, oldest
// first. before == 0 returns the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID, before int64, limit int) (models.MessagePage, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out models.MessagePage
	err := c.doJSON(ctx, http.MethodGet, path, "/conversations/{id}/messages", nil, &out)
	return out, err
}

// SendMessage posts a message and returns the server copy.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, req SendMessageRequest) (models.Message, error) {
	var out models.Message
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	err := c.doJSON(ctx, http.MethodPost, path, "/conversations/{id}/messages", req, &out)
	return out, err
}

// MarkConversationRead marks every message up to upToID as read in one
// call. Backends without the bulk endpoint yield ErrUnsupported.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID, upToID int64) error {
	path := fmt.Sprintf("/conversations/%d/read", conversationID)
	body := map[string]int64{"up_to_id": upToID}
	err := c.doJSON(ctx, http.MethodPost, path, "/conversations/{id}/read", body, nil)
	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return fmt.Errorf("%w: %w", ErrUnsupported, err)
		}
	}
	return err
}

// MarkMessageRead marks a single message as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID int64) error {
	path := fmt.Sprintf("/messages/%d/read", messageID)
	return c.doJSON(ctx, http.MethodPost, path, "/messages/{id}/read", nil, nil)
}

// ToggleReaction adds or removes the caller's emoji reaction and returns
// the canonical reactions of the message.
func (c *Client) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	path := fmt.Sprintf("/messages/%d/reactions", messageID)
	var out struct {
		Reactions []models.Reaction `json:"reactions"`
	}
	err := c.doJSON(ctx, http.MethodPost, path, "/messages/{id}/reactions", map[string]string{"emoji": emoji}, &out)
	return out.Reactions, err
}

// SendTyping reports the typing state over REST.
func (c *Client) SendTyping(ctx context.Context, conversationID int64, typing bool) error {
	path := fmt.Sprintf("/conversations/%d/typing", conversationID)
	return c.doJSON(ctx, http.MethodPost, path, "/conversations/{id}/typing", map[string]bool{"is_typing": typing}, nil)
}

// ArchiveConversation hides a conversation from the default listing.
func (c *Client) ArchiveConversation(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/conversations/%d/archive", conversationID)
	return c.doJSON(ctx, http.MethodPost, path, "/conversations/{id}/archive", nil, nil)
}
