// Package attachments validates, previews and uploads files sent into a
// conversation.
package attachments

import (
	"context"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-client/internal/api"
	"chat-client/internal/models"
)

var (
	ErrTooMany         = errors.New("too many files")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrRejected        = errors.New("rejected by server")
)

// DefaultAllowedTypes is the MIME allow-list used when Config leaves it empty.
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"video/mp4",
	"video/quicktime",
	"audio/mpeg",
	"audio/ogg",
}

// API uploads a batch of files.
type API interface {
	UploadAttachments(ctx context.Context, conversationID int64, clientID string, files []api.UploadFile, progress api.ProgressFunc) (api.UploadResult, error)
}

// Store receives the message created by a successful upload.
type Store interface {
	ApplyIncoming(ctx context.Context, msg models.Message) (bool, error)
}

// Config bounds what may be uploaded.
type Config struct {
	MaxFiles      int
	MaxFileSize   int64
	AllowedTypes  []string
	ThumbnailSize int
	// MaxPixels bounds the decoded size of an image passed to Preview.
	MaxPixels int64
}

func (c Config) withDefaults() Config {
	if c.MaxFiles <= 0 {
		c.MaxFiles = 10
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 << 20
	}
	if len(c.AllowedTypes) == 0 {
		c.AllowedTypes = DefaultAllowedTypes
	}
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = 320
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = 40_000_000
	}
	return c
}

// File is a local file selected for upload.
type File struct {
	Name string
	Data []byte
}

// FileError reports why a single file was not delivered.
type FileError struct {
	Filename string
	Err      error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Filename, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// Result is the outcome of an upload. Delivered attachments and failed
// files are reported independently.
type Result struct {
	Message     *models.Message
	Attachments []models.Attachment
	Errors      []FileError
}

// Pipeline validates and uploads attachments.
type Pipeline struct {
	cfg   Config
	api   API
	store Store
	log   zerolog.Logger
}

// New constructs a Pipeline.
func New(cfg Config, client API, st Store, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:   cfg.withDefaults(),
		api:   client,
		store: st,
		log:   logger.With().Str("component", "attachments").Logger(),
	}
}

// Validate checks the batch size and every file. It returns the files that
// may be uploaded with their sniffed MIME type and a FileError for each
// rejected file. ErrTooMany rejects the whole batch.
func (p *Pipeline) Validate(files []File) ([]api.UploadFile, []FileError, error) {
	if len(files) > p.cfg.MaxFiles {
		return nil, nil, fmt.Errorf("%w: %d files, at most %d", ErrTooMany, len(files), p.cfg.MaxFiles)
	}

	var (
		valid    []api.UploadFile
		rejected []FileError
	)
	for _, f := range files {
		mime, err := p.check(f)
		if err != nil {
			rejected = append(rejected, FileError{Filename: f.Name, Err: err})
			continue
		}
		valid = append(valid, api.UploadFile{Name: f.Name, MIME: mime, Data: f.Data})
	}
	return valid, rejected, nil
}

func (p *Pipeline) check(f File) (string, error) {
	switch {
	case len(f.Data) == 0:
		return "", ErrEmptyFile
	case int64(len(f.Data)) > p.cfg.MaxFileSize:
		return "", fmt.Errorf("%w: %d bytes, at most %d", ErrTooLarge, len(f.Data), p.cfg.MaxFileSize)
	}

	detected := mimetype.Detect(f.Data)
	for mt := detected; mt != nil; mt = mt.Parent() {
		if mimetype.EqualsAny(mt.String(), p.cfg.AllowedTypes...) {
			return detected.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
}

// Upload validates files, sends the valid ones in one multipart request and
// applies the resulting message to the Store. Validation and server-side
// failures are returned per file in Result.Errors; the returned error is
// set only when the batch as a whole failed.
func (p *Pipeline) Upload(ctx context.Context, conversationID int64, files []File, progress api.ProgressFunc) (Result, error) {
	valid, rejected, err := p.Validate(files)
	if err != nil {
		return Result{}, err
	}
	result := Result{Errors: rejected}
	if len(valid) == 0 {
		return result, nil
	}

	clientID := uuid.NewString()
	uploaded, err := p.api.UploadAttachments(ctx, conversationID, clientID, valid, progress)
	if err != nil {
		p.log.Error().Err(err).Int64("conversation_id", conversationID).Int("files", len(valid)).Msg("upload failed")
		return result, fmt.Errorf("upload attachments: %w", err)
	}

	result.Attachments = uploaded.Attachments
	for _, e := range uploaded.Errors {
		result.Errors = append(result.Errors, FileError{Filename: e.Filename, Err: fmt.Errorf("%w: %s", ErrRejected, e.Error)})
	}

	if uploaded.Message != nil {
		msg := *uploaded.Message
		if msg.ConversationID == 0 {
			msg.ConversationID = conversationID
		}
		if msg.ClientID == "" {
			msg.ClientID = clientID
		}
		if len(msg.Attachments) == 0 {
			msg.Attachments = uploaded.Attachments
		}
		if _, err := p.store.ApplyIncoming(ctx, msg); err != nil {
			p.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("uploaded message not applied")
		}
		result.Message = &msg
	}

	p.log.Info().
		Int64("conversation_id", conversationID).
		Int("delivered", len(result.Attachments)).
		Int("failed", len(result.Errors)).
		Msg("attachments uploaded")
	return result, nil
}
