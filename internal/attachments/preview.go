package attachments

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var ErrNotImage = errors.New("file is not a decodable image")

// Thumbnail is a JPEG preview of an image attachment.
type Thumbnail struct {
	Data   []byte
	Width  int
	Height int
}

// Preview decodes an image and returns a JPEG thumbnail that fits in a
// ThumbnailSize square. Smaller images keep their size.
func (p *Pipeline) Preview(f File) (Thumbnail, error) {
	if int64(len(f.Data)) > p.cfg.MaxFileSize {
		return Thumbnail{}, ErrTooLarge
	}
	hdr, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return Thumbnail{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return Thumbnail{}, fmt.Errorf("%w: empty %dx%d image", ErrNotImage, hdr.Width, hdr.Height)
	}
	if int64(hdr.Width)*int64(hdr.Height) > p.cfg.MaxPixels {
		return Thumbnail{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, hdr.Width, hdr.Height, p.cfg.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return Thumbnail{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	w, h := fit(img.Bounds().Dx(), img.Bounds().Dy(), p.cfg.ThumbnailSize)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 75}); err != nil {
		return Thumbnail{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	return Thumbnail{Data: buf.Bytes(), Width: w, Height: h}, nil
}

func fit(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	scale := min(float64(bound)/float64(w), float64(bound)/float64(h))
	return max1(int(float64(w) * scale)), max1(int(float64(h) * scale))
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
