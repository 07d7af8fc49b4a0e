// Package transform bounds images to a maximum size and re-encodes them as JPEG.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultQuality = 85
	// DefaultMaxPixels rejects sources whose header declares more pixels
	// than this before any pixel data is decoded.
	DefaultMaxPixels = 100_000_000
)

var (
	ErrEmpty     = errors.New("transform: empty image data")
	ErrTooLarge  = errors.New("transform: image dimensions too large")
	ErrBadBounds = errors.New("transform: max width and height must be positive")
)

// Imaging resizes with Lanczos resampling and encodes JPEG.
type Imaging struct {
	Quality   int
	MaxPixels int
}

func New(quality int) *Imaging {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Imaging{Quality: quality, MaxPixels: DefaultMaxPixels}
}

// Transform decodes src and scales it down to fit inside maxWidth x maxHeight
// keeping its aspect ratio. Images that already fit are only re-encoded.
func (t *Imaging) Transform(ctx context.Context, src io.Reader, maxWidth, maxHeight int) ([]byte, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, ErrBadBounds
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("transform: read source: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transform: decode config: %w", err)
	}
	if limit := t.maxPixels(); cfg.Width*cfg.Height > limit {
		return nil, fmt.Errorf("%w: %s %dx%d", ErrTooLarge, format, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("transform: decode %s: %w", format, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Fit never enlarges.
	out := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(t.quality())); err != nil {
		return nil, fmt.Errorf("transform: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *Imaging) quality() int {
	if t.Quality <= 0 || t.Quality > 100 {
		return DefaultQuality
	}
	return t.Quality
}

func (t *Imaging) maxPixels() int {
	if t.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return t.MaxPixels
}
