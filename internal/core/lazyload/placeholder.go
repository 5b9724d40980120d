package lazyload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// placeholderMaxSide bounds the longer side of a placeholder. Reduced
	// aspects larger than this are scaled down, which can shift the ratio by
	// at most one pixel of rounding.
	placeholderMaxSide = 64
	placeholderMemo    = 128

	// DefaultPreviewWidth is the width of inline previews.
	DefaultPreviewWidth = 16
	previewQuality      = 30

	placeholderContentType = "image/png"
)

// placeholderColor is the fill of every placeholder.
var placeholderColor = color.NRGBA{R: 0xEE, G: 0xEE, B: 0xEE, A: 0xFF}

// Placeholders produces deterministic filler images and low-fidelity inline previews.
type Placeholders struct {
	memo         *lru.Cache[Aspect, []byte]
	previewWidth int
	encoder      png.Encoder
}

// NewPlaceholders creates a generator. previewWidth of 0 uses DefaultPreviewWidth.
func NewPlaceholders(previewWidth int) *Placeholders {
	if previewWidth <= 0 {
		previewWidth = DefaultPreviewWidth
	}
	// lru.New only fails for non-positive sizes.
	memo, _ := lru.New[Aspect, []byte](placeholderMemo)
	return &Placeholders{
		memo:         memo,
		previewWidth: previewWidth,
		encoder:      png.Encoder{CompressionLevel: png.BestCompression},
	}
}

// Placeholder returns the filler PNG for aspect. The result depends only on
// the aspect and is shared between callers; do not modify it.
func (p *Placeholders) Placeholder(aspect Aspect) ([]byte, error) {
	if reduced, err := NewAspect(aspect.Width, aspect.Height); err == nil {
		aspect = reduced
	} else {
		return nil, err
	}
	if data, ok := p.memo.Get(aspect); ok {
		return data, nil
	}

	w, h := placeholderSize(aspect)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = placeholderColor.R
		img.Pix[i+1] = placeholderColor.G
		img.Pix[i+2] = placeholderColor.B
		img.Pix[i+3] = placeholderColor.A
	}

	var buf bytes.Buffer
	if err := p.encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: placeholder: %v", ErrEncode, err)
	}
	data := buf.Bytes()
	p.memo.Add(aspect, data)
	return data, nil
}

// PlaceholderDataURI returns the placeholder for aspect as a base64 data URI.
func (p *Placeholders) PlaceholderDataURI(aspect Aspect) (string, error) {
	data, err := p.Placeholder(aspect)
	if err != nil {
		return "", err
	}
	return DataURI(placeholderContentType, data), nil
}

// Preview downsizes an encoded image to the preview width with aggressive
// JPEG compression and returns it as a data URI.
func (p *Placeholders) Preview(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: preview: %v", ErrDecode, err)
	}
	small := imaging.Resize(img, p.previewWidth, 0, imaging.Box)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(previewQuality)); err != nil {
		return "", fmt.Errorf("%w: preview: %v", ErrEncode, err)
	}
	return DataURI("image/jpeg", buf.Bytes()), nil
}

// placeholderSize returns pixel dimensions for a reduced aspect.
func placeholderSize(a Aspect) (int, int) {
	if a.Width <= placeholderMaxSide && a.Height <= placeholderMaxSide {
		return a.Width, a.Height
	}
	if a.Width >= a.Height {
		return placeholderMaxSide, a.HeightFor(placeholderMaxSide)
	}
	return a.WidthFor(placeholderMaxSide), placeholderMaxSide
}

// DataURI encodes data as a base64 data URI.
func DataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
