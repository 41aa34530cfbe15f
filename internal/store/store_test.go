package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/api"
	"chat-client/internal/events"
	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/transport"
)

const selfID = 1

func newTestStore(t *testing.T) (*Store, *mocks.APIMock, *mocks.SenderMock, *events.Bus) {
	t.Helper()
	client := &mocks.APIMock{}
	sender := &mocks.SenderMock{}
	bus := events.NewBus()
	s := New(Config{SelfID: selfID, PageSize: 3}, client, sender, bus, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, client, sender, bus
}

func conversation(id int64) models.Conversation {
	return models.Conversation{
		ID:           id,
		Listing:      models.ListingRef{ID: 100, Title: "Bike"},
		Participants: []models.Participant{{ID: selfID}, {ID: 2}},
	}
}

func message(convID, id, sender int64) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Kind:           models.KindText,
		Content:        "m",
		CreatedAt:      time.Unix(1700000000+id, 0).UTC(),
	}
}

func frameOf(t *testing.T, typ models.FrameType, convID int64, payload any) models.Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	fields["type"] = typ
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return models.Frame{Type: typ, ConversationID: convID, Raw: raw}
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func changes(bus *events.Bus) *[]events.StoreChanged {
	var out []events.StoreChanged
	bus.Subscribe(events.TopicStoreChanged, func(ev events.Event) {
		out = append(out, ev.Payload.(events.StoreChanged))
	})
	return &out
}

func TestApplyIncomingIsIdempotent(t *testing.T) {
	s, client, _, bus := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil).Once()
	got := changes(bus)

	msg := message(7, 10, 2)
	changed, err := s.ApplyIncoming(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.ApplyIncoming(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Len(t, s.Messages(7), 1)
	assert.Len(t, *got, 1)
	conv, ok := s.Conversation(7)
	require.True(t, ok)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, int64(10), conv.LastMessage.MessageID)
	client.AssertExpectations(t)
}

func TestApplyIncomingRejectsUnidentified(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	_, err := s.ApplyIncoming(context.Background(), models.Message{ConversationID: 7})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessagesStayOrderedAcrossPagesAndLiveInserts(t *testing.T) {
	s, client, sender, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	client.On("ListMessages", mock.Anything, int64(7), int64(9), 3).
		Return(models.MessagePage{Messages: []models.Message{message(7, 8, 2), message(7, 6, 1), message(7, 7, 2)}, HasMore: true}, nil)
	client.On("ListMessages", mock.Anything, int64(7), int64(6), 3).
		Return(models.MessagePage{Messages: []models.Message{message(7, 3, 2), message(7, 5, 2), message(7, 7, 2)}, HasMore: false}, nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(transport.SendQueued, nil)

	_, err := s.ApplyIncoming(context.Background(), message(7, 11, 2))
	require.NoError(t, err)
	_, err = s.SendText(context.Background(), 7, "pending")
	require.NoError(t, err)
	_, err = s.ApplyIncoming(context.Background(), message(7, 9, 2))
	require.NoError(t, err)

	added, err := s.LoadOlder(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.True(t, s.HasMore(7))

	added, err = s.LoadOlder(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.False(t, s.HasMore(7))

	_, err = s.ApplyIncoming(context.Background(), message(7, 10, 2))
	require.NoError(t, err)

	msgs := s.Messages(7)
	assert.Equal(t, []int64{3, 5, 6, 7, 8, 9, 10, 11, 0}, ids(msgs))
	assert.Equal(t, "pending", msgs[len(msgs)-1].Content)
	assert.Equal(t, models.StatusPending, msgs[len(msgs)-1].Status)
}

func TestUnknownConversationFetchedOnce(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil).Once()

	_, err := s.ApplyIncoming(context.Background(), message(7, 1, 2))
	require.NoError(t, err)
	_, err = s.ApplyIncoming(context.Background(), message(7, 2, 2))
	require.NoError(t, err)

	conv, ok := s.Conversation(7)
	require.True(t, ok)
	assert.Equal(t, "Bike", conv.Listing.Title)
	client.AssertNumberOfCalls(t, "GetConversation", 1)
}

func TestUnknownConversationFetchFailureKeepsPlaceholder(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(9)).Return(nil, errors.New("offline")).Once()
	client.On("ListConversations", mock.Anything, 1, "").
		Return(models.ConversationPage{Conversations: []models.Conversation{conversation(9)}}, nil)

	changed, err := s.ApplyIncoming(context.Background(), message(9, 4, 2))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, s.Messages(9), 1)

	conv, ok := s.Conversation(9)
	require.True(t, ok)
	assert.Empty(t, conv.Participants)
	assert.Equal(t, int64(4), conv.LastMessage.MessageID)

	_, err = s.LoadConversations(context.Background(), 1, "")
	require.NoError(t, err)
	conv, _ = s.Conversation(9)
	assert.Len(t, conv.Participants, 2)
	assert.Equal(t, int64(4), conv.LastMessage.MessageID)
	assert.Len(t, s.Messages(9), 1)
}

func TestPlaceholderRefetchedOnNextUse(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	blocked := conversation(9)
	blocked.Blocked = true
	client.On("GetConversation", mock.Anything, int64(9)).Return(nil, errors.New("offline")).Once()
	client.On("GetConversation", mock.Anything, int64(9)).Return(blocked, nil).Once()

	_, err := s.ApplyIncoming(context.Background(), message(9, 4, 2))
	require.NoError(t, err)
	assert.Empty(t, s.ApplyPresence(2, true, nil))

	_, err = s.ApplyIncoming(context.Background(), message(9, 5, 2))
	require.NoError(t, err)

	conv, ok := s.Conversation(9)
	require.True(t, ok)
	assert.Len(t, conv.Participants, 2)
	assert.True(t, conv.Blocked)
	assert.Equal(t, int64(5), conv.LastMessage.MessageID)
	assert.Equal(t, []int64{4, 5}, ids(s.Messages(9)))
	assert.Equal(t, []int64{9}, s.ApplyPresence(2, true, nil))

	_, err = s.SendText(context.Background(), 9, "still there?")
	assert.ErrorIs(t, err, ErrConversationBlocked)
	client.AssertNumberOfCalls(t, "GetConversation", 2)
}

func TestSendTextRejectsEmpty(t *testing.T) {
	s, _, sender, _ := newTestStore(t)

	_, err := s.SendText(context.Background(), 7, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestOfflineSendIsReconciledByEcho(t *testing.T) {
	s, client, sender, bus := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(f models.OutboundFrame) bool {
		return f.Type == models.FrameSendMessage && f.ConversationID == 7 && f.ClientID != ""
	})).Return(transport.SendQueued, nil).Once()
	got := changes(bus)

	msg, err := s.SendText(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.True(t, msg.Provisional())
	require.Len(t, *got, 1)
	assert.Equal(t, events.ChangeMessageAdded, (*got)[0].Reason)

	echo := message(7, 42, selfID)
	echo.Content = "hello"
	bus.Publish(events.FrameTopic(models.FrameNewMessage), frameOf(t, models.FrameNewMessage, 7,
		models.NewMessageFrame{Message: echo, ClientID: msg.ClientID}))

	msgs := s.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].ID)
	assert.Equal(t, msg.ClientID, msgs[0].ClientID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Equal(t, events.ChangeMessageReconciled, (*got)[len(*got)-1].Reason)

	conv, _ := s.Conversation(7)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestRedirectedSendUsesRESTAndMarksFailure(t *testing.T) {
	s, client, sender, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(transport.SendRedirect, nil)
	client.On("SendMessage", mock.Anything, int64(7), mock.MatchedBy(func(req api.SendMessageRequest) bool {
		return req.Content == "first"
	})).Return(nil, &api.Error{Status: 503}).Once()

	msg, err := s.SendText(context.Background(), 7, "first")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, msg.Status)
	assert.Contains(t, msg.Error, "503")

	saved := message(7, 50, selfID)
	saved.Content = "first"
	client.On("SendMessage", mock.Anything, int64(7), mock.MatchedBy(func(req api.SendMessageRequest) bool {
		return req.Content == "first" && req.ClientID == msg.ClientID
	})).Return(saved, nil).Once()

	retried, err := s.Retry(context.Background(), msg.ClientID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), retried.ID)
	assert.Equal(t, models.StatusSent, retried.Status)
	assert.Len(t, s.Messages(7), 1)

	_, err = s.Retry(context.Background(), msg.ClientID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestQueuedSendRedirectedOnStreamConnect(t *testing.T) {
	s, client, sender, bus := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(transport.SendQueued, nil)

	msg, err := s.SendText(context.Background(), 7, "queued")
	require.NoError(t, err)

	saved := message(7, 60, selfID)
	client.On("SendMessage", mock.Anything, int64(7), mock.Anything).Return(saved, nil).Once()

	bus.Publish(events.TopicSendRedirected, events.SendRedirected{Frame: models.OutboundFrame{
		Type:           models.FrameSendMessage,
		ConversationID: 7,
		ClientID:       msg.ClientID,
	}})

	msgs := s.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(60), msgs[0].ID)
	assert.Equal(t, msg.ClientID, msgs[0].ClientID)
}

func TestBlockedConversationRejectsSend(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	conv := conversation(7)
	conv.Blocked = true
	client.On("GetConversation", mock.Anything, int64(7)).Return(conv, nil)

	_, err := s.SendText(context.Background(), 7, "hi")
	assert.ErrorIs(t, err, ErrConversationBlocked)
}

func TestMessageUpdateAndReactionFrames(t *testing.T) {
	s, client, _, bus := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	_, err := s.ApplyIncoming(context.Background(), message(7, 5, 2))
	require.NoError(t, err)

	edited := message(7, 5, 2)
	edited.Content = "edited"
	now := time.Now().UTC().Truncate(time.Second)
	edited.EditedAt = &now
	bus.Publish(events.FrameTopic(models.FrameMessageUpdate), frameOf(t, models.FrameMessageUpdate, 7,
		models.MessageUpdateFrame{Message: edited}))

	bus.Publish(events.FrameTopic(models.FrameReactionUpdate), frameOf(t, models.FrameReactionUpdate, 7,
		models.ReactionUpdateFrame{ConversationID: 7, MessageID: 5, Reactions: []models.Reaction{{Emoji: "❤️", UserIDs: []int64{2}}}}))

	msgs := s.Messages(7)
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Content)
	assert.NotNil(t, msgs[0].EditedAt)
	require.Len(t, msgs[0].Reactions, 1)
	assert.True(t, msgs[0].Reactions[0].HasUser(2))

	redelivered := edited
	redelivered.Reactions = nil
	assert.False(t, s.ApplyUpdate(redelivered))
	assert.Len(t, s.Messages(7)[0].Reactions, 1)
}

func TestToggleReactionAppliesCanonicalSet(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	_, err := s.ApplyIncoming(context.Background(), message(7, 5, 2))
	require.NoError(t, err)

	canonical := []models.Reaction{{Emoji: "👍", UserIDs: []int64{2, selfID}}}
	client.On("ToggleReaction", mock.Anything, int64(5), "👍").Return(canonical, nil)

	got, err := s.ToggleReaction(context.Background(), 5, "👍")
	require.NoError(t, err)
	assert.Equal(t, canonical, got)
	assert.Equal(t, canonical, s.Messages(7)[0].Reactions)

	_, err = s.ToggleReaction(context.Background(), 99, "👍")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestReadReceipts(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	for _, m := range []models.Message{message(7, 1, selfID), message(7, 2, 2), message(7, 3, 2)} {
		_, err := s.ApplyIncoming(context.Background(), m)
		require.NoError(t, err)
	}
	conv, _ := s.Conversation(7)
	require.Equal(t, 2, conv.UnreadCount)

	assert.True(t, s.ApplyReadReceipt(models.ReadReceiptFrame{ConversationID: 7, ReaderID: 2, UpToID: 3}))
	msgs := s.Messages(7)
	assert.True(t, msgs[0].Read)
	assert.False(t, msgs[1].Read)

	assert.True(t, s.ApplyReadReceipt(models.ReadReceiptFrame{ConversationID: 7, ReaderID: selfID, MessageIDs: []int64{2}}))
	conv, _ = s.Conversation(7)
	assert.Equal(t, 1, conv.UnreadCount)

	mark, ok := s.MarkRead(7)
	require.True(t, ok)
	assert.Equal(t, []int64{3}, mark.MessageIDs)
	assert.Equal(t, int64(3), mark.UpToID)
	conv, _ = s.Conversation(7)
	assert.Equal(t, 0, conv.UnreadCount)

	s.RevertRead(mark)
	conv, _ = s.Conversation(7)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.False(t, s.Messages(7)[2].Read)
}

func TestApplyPresenceTouchesEveryConversation(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	client.On("GetConversation", mock.Anything, int64(8)).Return(conversation(8), nil)
	_, _ = s.ApplyIncoming(context.Background(), message(7, 1, 2))
	_, _ = s.ApplyIncoming(context.Background(), message(8, 1, 2))

	seen := time.Now().UTC()
	touched := s.ApplyPresence(2, false, &seen)
	assert.Equal(t, []int64{7, 8}, touched)

	conv, _ := s.Conversation(8)
	require.Len(t, conv.Participants, 2)
	peer := conv.Participants[1]
	assert.False(t, peer.Online)
	assert.Equal(t, seen, *peer.LastSeen)
}

func TestReconcileMergesThroughDedup(t *testing.T) {
	s, client, _, bus := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	client.On("ListMessages", mock.Anything, int64(7), int64(0), 3).
		Return(models.MessagePage{Messages: []models.Message{message(7, 1, 2), message(7, 2, 2)}}, nil)
	_, err := s.ApplyIncoming(context.Background(), message(7, 1, 2))
	require.NoError(t, err)
	got := changes(bus)

	require.NoError(t, s.Reconcile(context.Background(), 7))
	assert.Equal(t, []int64{1, 2}, ids(s.Messages(7)))
	require.Len(t, *got, 1)
	assert.Equal(t, events.ChangePage, (*got)[0].Reason)

	require.NoError(t, s.Reconcile(context.Background(), 7))
	assert.Len(t, *got, 1)
}

func TestRunReconcilerReconcilesActiveConversation(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("GetConversation", mock.Anything, int64(7)).Return(conversation(7), nil)
	client.On("ListMessages", mock.Anything, int64(7), int64(0), 3).
		Return(models.MessagePage{Messages: []models.Message{message(7, 4, 2)}}, nil)
	s.SetActive(7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunReconciler(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(s.Messages(7)) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestArchive(t *testing.T) {
	s, client, _, _ := newTestStore(t)
	client.On("ListConversations", mock.Anything, 1, "").
		Return(models.ConversationPage{Conversations: []models.Conversation{conversation(7)}}, nil)
	client.On("ArchiveConversation", mock.Anything, int64(7)).Return(nil)

	_, err := s.LoadConversations(context.Background(), 1, "")
	require.NoError(t, err)
	require.NoError(t, s.Archive(context.Background(), 7))

	conv, _ := s.Conversation(7)
	assert.True(t, conv.Archived)
}
