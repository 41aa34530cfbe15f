package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"

	"chat-client/internal/models"
)

// UploadFile is one file of an attachment batch.
type UploadFile struct {
	Name string
	MIME string
	Data []byte
}

// UploadError is a per-file rejection reported by the backend.
type UploadError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// UploadResult is the backend answer to an attachment batch. Message is the
// message carrying the accepted attachments, if any.
type UploadResult struct {
	Message     *models.Message     `json:"message,omitempty"`
	Attachments []models.Attachment `json:"attachments"`
	Errors      []UploadError       `json:"errors,omitempty"`
}

// ProgressFunc receives the number of body bytes sent out of total.
type ProgressFunc func(sent, total int64)

// UploadAttachments sends files as one multipart request.
func (c *Client) UploadAttachments(ctx context.Context, conversationID int64, clientID string, files []UploadFile, progress ProgressFunc) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if clientID != "" {
		if err := mw.WriteField("client_id", clientID); err != nil {
			return UploadResult{}, err
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		h.Set("Content-Type", f.MIME)
		part, err := mw.CreatePart(h)
		if err != nil {
			return UploadResult{}, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return UploadResult{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}

	total := int64(buf.Len())
	var body io.Reader = &buf
	if progress != nil {
		body = &progressReader{r: &buf, total: total, fn: progress}
	}
	header := http.Header{}
	header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	path := fmt.Sprintf("/conversations/%d/attachments", conversationID)
	err := c.do(ctx, http.MethodPost, path, "/conversations/{id}/attachments", body, total, header, &out)
	return out, err
}

type progressReader struct {
	r     io.Reader
	total int64
	sent  atomic.Int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(p.sent.Add(int64(n)), p.total)
	}
	return n, err
}
