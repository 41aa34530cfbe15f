package attachments

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/api"
	"chat-client/internal/mocks"
	"chat-client/internal/models"
)

type fakeStore struct {
	applied []models.Message
}

func (s *fakeStore) ApplyIncoming(_ context.Context, msg models.Message) (bool, error) {
	s.applied = append(s.applied, msg)
	return true, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadDeliversValidFilesAndReportsTooLarge(t *testing.T) {
	client := &mocks.APIMock{}
	st := &fakeStore{}
	p := New(Config{MaxFileSize: 4096}, client, st, zerolog.Nop())

	small := pngBytes(t, 4, 4)
	large := append(pngBytes(t, 4, 4), make([]byte, 5000)...)

	client.On("UploadAttachments", mock.Anything, int64(7), mock.AnythingOfType("string"),
		mock.MatchedBy(func(files []api.UploadFile) bool {
			return len(files) == 1 && files[0].Name == "photo.png" && files[0].MIME == "image/png"
		}), mock.Anything).
		Return(api.UploadResult{
			Message:     &models.Message{ID: 40, SenderID: 1, Kind: models.KindImage},
			Attachments: []models.Attachment{{ID: 3, Filename: "photo.png", MIME: "image/png"}},
		}, nil).Once()

	result, err := p.Upload(context.Background(), 7, []File{
		{Name: "photo.png", Data: small},
		{Name: "huge.png", Data: large},
	}, nil)
	require.NoError(t, err)

	require.Len(t, result.Attachments, 1)
	assert.Equal(t, "photo.png", result.Attachments[0].Filename)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "huge.png", result.Errors[0].Filename)
	assert.ErrorIs(t, result.Errors[0], ErrTooLarge)

	require.Len(t, st.applied, 1)
	assert.Equal(t, int64(7), st.applied[0].ConversationID)
	assert.NotEmpty(t, st.applied[0].ClientID)
	assert.Len(t, st.applied[0].Attachments, 1)
	client.AssertExpectations(t)
}

func TestUploadRejectsTooManyBeforeNetwork(t *testing.T) {
	client := &mocks.APIMock{}
	p := New(Config{MaxFiles: 2}, client, &fakeStore{}, zerolog.Nop())

	files := []File{{Name: "a", Data: []byte("a")}, {Name: "b", Data: []byte("b")}, {Name: "c", Data: []byte("c")}}
	_, err := p.Upload(context.Background(), 7, files, nil)
	assert.ErrorIs(t, err, ErrTooMany)
	client.AssertNotCalled(t, "UploadAttachments", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestValidateSniffsType(t *testing.T) {
	p := New(Config{}, &mocks.APIMock{}, &fakeStore{}, zerolog.Nop())

	valid, rejected, err := p.Validate([]File{
		{Name: "notes.txt", Data: []byte("meet at noon")},
		{Name: "disguised.png", Data: []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00")},
		{Name: "empty.pdf"},
	})
	require.NoError(t, err)

	require.Len(t, valid, 1)
	assert.Equal(t, "notes.txt", valid[0].Name)
	assert.Contains(t, valid[0].MIME, "text/plain")

	require.Len(t, rejected, 2)
	assert.ErrorIs(t, rejected[0], ErrUnsupportedType)
	assert.ErrorIs(t, rejected[1], ErrEmptyFile)
}

func TestUploadOnlyInvalidFilesSkipsNetwork(t *testing.T) {
	client := &mocks.APIMock{}
	p := New(Config{MaxFileSize: 1}, client, &fakeStore{}, zerolog.Nop())

	result, err := p.Upload(context.Background(), 7, []File{{Name: "a.txt", Data: []byte("too big")}}, nil)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Nil(t, result.Message)
	client.AssertNotCalled(t, "UploadAttachments", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadServerErrorsArePerFile(t *testing.T) {
	client := &mocks.APIMock{}
	st := &fakeStore{}
	p := New(Config{}, client, st, zerolog.Nop())

	client.On("UploadAttachments", mock.Anything, int64(7), mock.Anything, mock.Anything, mock.Anything).
		Return(api.UploadResult{Errors: []api.UploadError{{Filename: "a.png", Error: "virus detected"}}}, nil)

	result, err := p.Upload(context.Background(), 7, []File{{Name: "a.png", Data: pngBytes(t, 2, 2)}}, nil)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], ErrRejected)
	assert.Contains(t, result.Errors[0].Error(), "virus detected")
	assert.Empty(t, st.applied)
}

func TestUploadBatchFailure(t *testing.T) {
	client := &mocks.APIMock{}
	p := New(Config{}, client, &fakeStore{}, zerolog.Nop())
	client.On("UploadAttachments", mock.Anything, int64(7), mock.Anything, mock.Anything, mock.Anything).
		Return(api.UploadResult{}, &api.Error{Status: 413, Message: "payload too large"})

	_, err := p.Upload(context.Background(), 7, []File{{Name: "a.png", Data: pngBytes(t, 2, 2)}}, nil)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 413, apiErr.Status)
}

func TestPreviewScalesDown(t *testing.T) {
	p := New(Config{ThumbnailSize: 100}, &mocks.APIMock{}, &fakeStore{}, zerolog.Nop())

	thumb, err := p.Preview(File{Name: "wide.png", Data: pngBytes(t, 400, 200)})
	require.NoError(t, err)
	assert.Equal(t, 100, thumb.Width)
	assert.Equal(t, 50, thumb.Height)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
}

func TestPreviewKeepsSmallImages(t *testing.T) {
	p := New(Config{}, &mocks.APIMock{}, &fakeStore{}, zerolog.Nop())

	thumb, err := p.Preview(File{Name: "icon.png", Data: pngBytes(t, 16, 8)})
	require.NoError(t, err)
	assert.Equal(t, 16, thumb.Width)
	assert.Equal(t, 8, thumb.Height)
}

func TestPreviewRejectsNonImage(t *testing.T) {
	p := New(Config{}, &mocks.APIMock{}, &fakeStore{}, zerolog.Nop())

	_, err := p.Preview(File{Name: "notes.txt", Data: []byte("hello")})
	assert.ErrorIs(t, err, ErrNotImage)
}

// pngHeader returns a PNG holding only a signature and an IHDR chunk that
// declares a gray image of w by h pixels.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestPreviewRejectsOversizedDimensions(t *testing.T) {
	p := New(Config{}, &mocks.APIMock{}, &fakeStore{}, zerolog.Nop())

	data := pngHeader(12000, 12000)
	require.Less(t, int64(len(data)), int64(10<<20))
	_, err := p.Preview(File{Name: "huge.png", Data: data})
	assert.ErrorIs(t, err, ErrTooLarge)

	small := New(Config{MaxPixels: 10_000}, &mocks.APIMock{}, &fakeStore{}, zerolog.Nop())
	_, err = small.Preview(File{Name: "wide.png", Data: pngBytes(t, 400, 200)})
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = small.Preview(File{Name: "icon.png", Data: pngBytes(t, 50, 50)})
	assert.NoError(t, err)
}
