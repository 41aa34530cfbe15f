package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/api"
	"chat-client/internal/models"
	"chat-client/internal/transport"
)

// APIMock stands in for the REST client.
type APIMock struct {
	mock.Mock
}

func (m *APIMock) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *APIMock) ListConversations(ctx context.Context, page int, search string) (models.ConversationPage, error) {
	args := m.Called(ctx, page, search)
	var out models.ConversationPage
	if val := args.Get(0); val != nil {
		out = val.(models.ConversationPage)
	}
	return out, args.Error(1)
}

func (m *APIMock) ListMessages(ctx context.Context, conversationID, before int64, limit int) (models.MessagePage, error) {
	args := m.Called(ctx, conversationID, before, limit)
	var out models.MessagePage
	if val := args.Get(0); val != nil {
		out = val.(models.MessagePage)
	}
	return out, args.Error(1)
}

func (m *APIMock) SendMessage(ctx context.Context, conversationID int64, req api.SendMessageRequest) (models.Message, error) {
	args := m.Called(ctx, conversationID, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *APIMock) ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error) {
	args := m.Called(ctx, messageID, emoji)
	var out []models.Reaction
	if val := args.Get(0); val != nil {
		out = val.([]models.Reaction)
	}
	return out, args.Error(1)
}

func (m *APIMock) ArchiveConversation(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *APIMock) MarkConversationRead(ctx context.Context, conversationID, upToID int64) error {
	args := m.Called(ctx, conversationID, upToID)
	return args.Error(0)
}

func (m *APIMock) MarkMessageRead(ctx context.Context, messageID int64) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *APIMock) SendTyping(ctx context.Context, conversationID int64, typing bool) error {
	args := m.Called(ctx, conversationID, typing)
	return args.Error(0)
}

func (m *APIMock) UploadAttachments(ctx context.Context, conversationID int64, clientID string, files []api.UploadFile, progress api.ProgressFunc) (api.UploadResult, error) {
	args := m.Called(ctx, conversationID, clientID, files, progress)
	var out api.UploadResult
	if val := args.Get(0); val != nil {
		out = val.(api.UploadResult)
	}
	return out, args.Error(1)
}

func (m *APIMock) SubscribePush(ctx context.Context, sub models.PushSubscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *APIMock) UnsubscribePush(ctx context.Context, endpoint string) error {
	args := m.Called(ctx, endpoint)
	return args.Error(0)
}

func (m *APIMock) SendTestPush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *APIMock) SendTracking(ctx context.Context, ev models.TrackingEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

// SenderMock stands in for the transport Manager.
type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) Send(ctx context.Context, frame models.OutboundFrame) (transport.SendStatus, error) {
	args := m.Called(ctx, frame)
	return args.Get(0).(transport.SendStatus), args.Error(1)
}
