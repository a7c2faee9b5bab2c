package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/auto-annotate/pkg/types"
)

// Processor handles image decoding and model payload encoding
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders), honouring EXIF orientation
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := p.decodeImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, path)
	}
	return img, nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// EncodeForModel resizes img so its long side is at most opts.MaxDim and
// encodes it. It returns the encoded bytes and their MIME type.
func (p *Processor) EncodeForModel(img image.Image, opts types.EncodeOptions) ([]byte, string, error) {
	if opts.MaxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > opts.MaxDim || h > opts.MaxDim {
			if w >= h {
				img = imaging.Resize(img, opts.MaxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, opts.MaxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(opts.Format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	default: // jpg
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
}

// DataURI encodes img as a data: URI for OpenAI-style and Moondream requests
func (p *Processor) DataURI(img image.Image, opts types.EncodeOptions) (string, error) {
	data, mime, err := p.EncodeForModel(img, opts)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
