package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/models"
	"chat-client/internal/transport"
)

type ConnectionMock struct {
	mock.Mock
}

func (m *ConnectionMock) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *ConnectionMock) Snapshot() transport.Snapshot {
	args := m.Called()
	return args.Get(0).(transport.Snapshot)
}

type ConversationsMock struct {
	mock.Mock
}

func (m *ConversationsMock) Conversations() []models.Conversation {
	args := m.Called()
	convs, _ := args.Get(0).([]models.Conversation)
	return convs
}

func (m *ConversationsMock) LoadConversations(ctx context.Context, page int, search string) (models.ConversationPage, error) {
	args := m.Called(ctx, page, search)
	var out models.ConversationPage
	if val := args.Get(0); val != nil {
		out = val.(models.ConversationPage)
	}
	return out, args.Error(1)
}

func (m *ConversationsMock) Messages(conversationID int64) []models.Message {
	args := m.Called(conversationID)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs
}

func (m *ConversationsMock) HasMore(conversationID int64) bool {
	args := m.Called(conversationID)
	return args.Bool(0)
}

func (m *ConversationsMock) LoadOlder(ctx context.Context, conversationID, beforeID int64) (int, error) {
	args := m.Called(ctx, conversationID, beforeID)
	return args.Int(0), args.Error(1)
}

func (m *ConversationsMock) SendText(ctx context.Context, conversationID int64, text string) (models.Message, error) {
	args := m.Called(ctx, conversationID, text)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *ConversationsMock) Retry(ctx context.Context, clientID string) (models.Message, error) {
	args := m.Called(ctx, clientID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *ConversationsMock) SetActive(conversationID int64) {
	m.Called(conversationID)
}

func (m *ConversationsMock) Archive(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *ConversationsMock) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	args := m.Called(ctx, messageID, emoji)
	var out []models.Reaction
	if v := args.Get(0); v != nil {
		out = v.([]models.Reaction)
	}
	return out, args.Error(1)
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) MarkConversationRead(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *PresenceMock) Keystroke(ctx context.Context, conversationID int64) {
	m.Called(ctx, conversationID)
}

func (m *PresenceMock) InputCleared(ctx context.Context, conversationID int64) {
	m.Called(ctx, conversationID)
}

func (m *PresenceMock) Typing(conversationID int64) []int64 {
	args := m.Called(conversationID)
	var out []int64
	if v := args.Get(0); v != nil {
		out = v.([]int64)
	}
	return out
}
