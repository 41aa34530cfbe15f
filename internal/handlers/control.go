package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chat-client/internal/api"
	"chat-client/internal/attachments"
	"chat-client/internal/events"
	"chat-client/internal/models"
	"chat-client/internal/notify"
	"chat-client/internal/store"
	"chat-client/internal/transport"
)

// Connection is the transport surface exposed by the control server.
type Connection interface {
	Connect(ctx context.Context) error
	Snapshot() transport.Snapshot
}

// Conversations is the store surface exposed by the control server.
type Conversations interface {
	Conversations() []models.Conversation
	LoadConversations(ctx context.Context, page int, search string) (models.ConversationPage, error)
	Messages(conversationID int64) []models.Message
	HasMore(conversationID int64) bool
	LoadOlder(ctx context.Context, conversationID, beforeID int64) (int, error)
	SendText(ctx context.Context, conversationID int64, text string) (models.Message, error)
	Retry(ctx context.Context, clientID string) (models.Message, error)
	SetActive(conversationID int64)
	Archive(ctx context.Context, conversationID int64) error
	ToggleReaction(ctx context.Context, messageID int64, emoji string) ([]models.Reaction, error)
}

// Presence covers read state and typing indicators.
type Presence interface {
	MarkConversationRead(ctx context.Context, conversationID int64) error
	Keystroke(ctx context.Context, conversationID int64)
	InputCleared(ctx context.Context, conversationID int64)
	Typing(conversationID int64) []int64
}

type Uploader interface {
	Upload(ctx context.Context, conversationID int64, files []attachments.File, progress api.ProgressFunc) (attachments.Result, error)
	Preview(f attachments.File) (attachments.Thumbnail, error)
}

type Notifier interface {
	Post(ctx context.Context, msg notify.Message) error
}

type NotificationFeed interface {
	Recent() []events.Notification
}

// ControlHandler serves the local control API.
type ControlHandler struct {
	conn     Connection
	convs    Conversations
	presence Presence
	uploader Uploader
	notifier Notifier
	feed     NotificationFeed
	log      zerolog.Logger
}

// NewControlHandler builds a ControlHandler.
func NewControlHandler(conn Connection, convs Conversations, presence Presence, uploader Uploader, notifier Notifier, feed NotificationFeed, logger zerolog.Logger) *ControlHandler {
	return &ControlHandler{
		conn:     conn,
		convs:    convs,
		presence: presence,
		uploader: uploader,
		notifier: notifier,
		feed:     feed,
		log:      logger.With().Str("component", "control").Logger(),
	}
}

func (h *ControlHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// State reports the live connection snapshot.
func (h *ControlHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.conn.Snapshot())
}

// Connect starts the connection after a give-up or an explicit disconnect.
func (h *ControlHandler) Connect(c *gin.Context) {
	err := h.conn.Connect(c.Request.Context())
	if errors.Is(err, transport.ErrConnectInProgress) {
		c.JSON(http.StatusAccepted, h.conn.Snapshot())
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "state": h.conn.Snapshot()})
		return
	}
	c.JSON(http.StatusOK, h.conn.Snapshot())
}

// ListConversations returns cached conversations, or loads a page when page
// or search is given or nothing is cached yet.
func (h *ControlHandler) ListConversations(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	search := c.Query("search")

	if page <= 0 && search == "" {
		if cached := h.convs.Conversations(); len(cached) > 0 {
			c.JSON(http.StatusOK, gin.H{"conversations": cached})
			return
		}
	}
	if page <= 0 {
		page = 1
	}

	loaded, err := h.convs.LoadConversations(c.Request.Context(), page, search)
	if err != nil {
		h.log.Error().Err(err).Int("page", page).Msg("load conversations")
		c.JSON(statusFor(err), gin.H{"error": "failed to load conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": loaded.Conversations, "page": loaded.Page, "has_more": loaded.HasMore})
}

// GetMessages returns a conversation's messages and marks it active. A
// before cursor loads an older page first.
func (h *ControlHandler) GetMessages(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	h.convs.SetActive(convID)

	if raw := c.Query("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || before <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		if _, err := h.convs.LoadOlder(c.Request.Context(), convID, before); err != nil {
			c.JSON(statusFor(err), gin.H{"error": "failed to load messages"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": h.convs.Messages(convID),
		"has_more": h.convs.HasMore(convID),
	})
}

// PostMessage sends a text message optimistically.
func (h *ControlHandler) PostMessage(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	msg, err := h.convs.SendText(c.Request.Context(), convID, req.Text)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// RetryMessage resends a failed provisional message.
func (h *ControlHandler) RetryMessage(c *gin.Context) {
	msg, err := h.convs.Retry(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

func (h *ControlHandler) MarkRead(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.presence.MarkConversationRead(c.Request.Context(), convID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to mark conversation read"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadAttachments accepts multipart field "files".
func (h *ControlHandler) UploadAttachments(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart body"})
		return
	}

	files, ok := readFiles(c, form.File["files"])
	if !ok {
		return
	}

	result, err := h.uploader.Upload(c.Request.Context(), convID, files, nil)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "errors": fileErrors(result.Errors)})
		return
	}

	status := http.StatusOK
	if len(result.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"message":     result.Message,
		"attachments": result.Attachments,
		"errors":      fileErrors(result.Errors),
	})
}

// PreviewAttachment renders a JPEG thumbnail of the uploaded image in field "file".
func (h *ControlHandler) PreviewAttachment(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	files, ok := readFiles(c, []*multipart.FileHeader{fh})
	if !ok {
		return
	}
	thumb, err := h.uploader.Preview(files[0])
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Thumbnail-Width", strconv.Itoa(thumb.Width))
	c.Header("X-Thumbnail-Height", strconv.Itoa(thumb.Height))
	c.Data(http.StatusOK, "image/jpeg", thumb.Data)
}

func (h *ControlHandler) Archive(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.convs.Archive(c.Request.Context(), convID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to archive conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleReaction adds or removes the caller's reaction and returns the
// message's reactions as the server reports them.
func (h *ControlHandler) ToggleReaction(c *gin.Context) {
	msgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji is required"})
		return
	}
	reactions, err := h.convs.ToggleReaction(c.Request.Context(), msgID, req.Emoji)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "failed to toggle reaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": reactions})
}

// Typing reports local input. typing=false clears the indicator at once.
func (h *ControlHandler) Typing(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.Typing {
		h.presence.Keystroke(c.Request.Context(), convID)
	} else {
		h.presence.InputCleared(c.Request.Context(), convID)
	}
	c.Status(http.StatusAccepted)
}

// Typists lists the remote users currently typing in a conversation.
func (h *ControlHandler) Typists(c *gin.Context) {
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}
	users := h.presence.Typing(convID)
	if users == nil {
		users = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// InjectPush hands a raw push payload to the notification gateway.
func (h *ControlHandler) InjectPush(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty push payload"})
		return
	}
	h.post(c, notify.PushReceived{Data: body})
}

func (h *ControlHandler) ClickNotification(c *gin.Context) {
	var req struct {
		Tag    string         `json:"tag"`
		Action string         `json:"action"`
		Data   map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	h.post(c, notify.NotificationClicked{Tag: req.Tag, Action: req.Action, Data: req.Data})
}

func (h *ControlHandler) Subscribe(c *gin.Context) {
	var sub models.PushSubscription
	if err := c.ShouldBindJSON(&sub); err != nil || sub.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	reply := make(chan error, 1)
	h.await(c, notify.Subscribe{Subscription: sub, Reply: reply}, reply)
}

func (h *ControlHandler) Unsubscribe(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	reply := make(chan error, 1)
	h.await(c, notify.Unsubscribe{Endpoint: endpoint, Reply: reply}, reply)
}

func (h *ControlHandler) TestPush(c *gin.Context) {
	reply := make(chan error, 1)
	h.await(c, notify.TestNotification{Reply: reply}, reply)
}

// Notifications lists recent in-app notifications, newest first.
func (h *ControlHandler) Notifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.feed.Recent()})
}

func (h *ControlHandler) post(c *gin.Context, msg notify.Message) {
	if err := h.notifier.Post(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *ControlHandler) await(c *gin.Context, msg notify.Message, reply <-chan error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.notifier.Post(ctx, msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	select {
	case err := <-reply:
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	case <-ctx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "notification gateway did not answer"})
	}
}

func readFiles(c *gin.Context, headers []*multipart.FileHeader) ([]attachments.File, bool) {
	files := make([]attachments.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file " + fh.Filename})
			return nil, false
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file " + fh.Filename})
			return nil, false
		}
		files = append(files, attachments.File{Name: fh.Filename, Data: data})
	}
	return files, true
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func fileErrors(errs []attachments.FileError) []gin.H {
	out := make([]gin.H, 0, len(errs))
	for _, e := range errs {
		out = append(out, gin.H{"filename": e.Filename, "error": e.Err.Error()})
	}
	return out
}

func statusFor(err error) int {
	var apiErr *api.Error
	switch {
	case errors.Is(err, store.ErrEmptyMessage),
		errors.Is(err, attachments.ErrTooMany):
		return http.StatusBadRequest
	case errors.Is(err, attachments.ErrNotImage),
		errors.Is(err, attachments.ErrTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConversationBlocked):
		return http.StatusForbidden
	case errors.Is(err, store.ErrConversationNotFound),
		errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotFailed):
		return http.StatusConflict
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
