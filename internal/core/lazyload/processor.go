package lazyload

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Spec describes one transformation of a decoded source.
type Spec struct {
	Strategy Strategy
	Aspect   Aspect
	// Width is the exact output width; 0 keeps the strategy's natural width.
	Width int
}

// Output is an encoded transformation result.
type Output struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Processor transforms source bytes into an aspect-correct image.
type Processor interface {
	// Transform decodes data, fits it to spec and re-encodes it.
	// Undecodable input returns an error wrapping ErrDecode.
	Transform(data []byte, spec Spec) (*Output, error)
}

// ImageProcessor implements Processor with the imaging library.
type ImageProcessor struct {
	maxWidth    int
	maxPixels   int
	jpegQuality int
}

// NewProcessor creates an ImageProcessor. maxWidth caps the natural width of
// resize results, maxPixels rejects sources whose decoded size exceeds it
// (0 disables the check) and jpegQuality is the encoder quality (1-100).
func NewProcessor(maxWidth, maxPixels, jpegQuality int) *ImageProcessor {
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 85
	}
	return &ImageProcessor{
		maxWidth:    maxWidth,
		maxPixels:   maxPixels,
		jpegQuality: jpegQuality,
	}
}

// Transform implements Processor. PNG and GIF sources are encoded as PNG;
// everything else is encoded as JPEG.
func (p *ImageProcessor) Transform(data []byte, spec Spec) (*Output, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image data", ErrDecode)
	}
	if !spec.Strategy.Valid() || spec.Aspect.IsZero() {
		return nil, fmt.Errorf("%w: strategy %q aspect %s", ErrInvalidStrategy, spec.Strategy, spec.Aspect)
	}
	if spec.Width > 0 {
		out := TransformRequest{Strategy: spec.Strategy, Aspect: spec.Aspect, Width: spec.Width}
		if err := out.checkOutputSize(OutputLimit(p.maxPixels)); err != nil {
			return nil, err
		}
	}

	// Check dimensions before the full decode so oversized sources never allocate pixel buffers.
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if p.maxPixels > 0 && cfg.Width*cfg.Height > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, p.maxPixels)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	fitted := p.fit(src, spec)

	outFormat, contentType := imaging.JPEG, "image/jpeg"
	if format == "png" || format == "gif" {
		outFormat, contentType = imaging.PNG, "image/png"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, outFormat, imaging.JPEGQuality(p.jpegQuality)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	b := fitted.Bounds()
	return &Output{
		Data:        buf.Bytes(),
		ContentType: contentType,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

func (p *ImageProcessor) fit(src image.Image, spec Spec) image.Image {
	b := src.Bounds()

	if spec.Strategy == StrategyResize {
		width := spec.Width
		if width == 0 {
			width = CropRect(b.Dx(), b.Dy(), spec.Aspect, spec.Strategy).Dx()
			if p.maxWidth > 0 && width > p.maxWidth {
				width = p.maxWidth
			}
		}
		return imaging.Fill(src, width, spec.Aspect.HeightFor(width), imaging.Center, imaging.Lanczos)
	}

	window := CropRect(b.Dx(), b.Dy(), spec.Aspect, spec.Strategy).Add(b.Min)
	cropped := imaging.Crop(src, window)
	if spec.Width == 0 {
		return cropped
	}
	return imaging.Resize(cropped, spec.Width, spec.Aspect.HeightFor(spec.Width), imaging.Lanczos)
}

// CropRect returns the largest window of a srcW x srcH image matching aspect,
// positioned by strategy. Vertical crops honour the top/bottom anchors;
// horizontal crops are always centered.
func CropRect(srcW, srcH int, aspect Aspect, strategy Strategy) image.Rectangle {
	// Compare srcW/srcH with aspect.Width/aspect.Height without division.
	if srcW*aspect.Height > srcH*aspect.Width {
		w := aspect.WidthFor(srcH)
		if w > srcW {
			w = srcW
		}
		x := (srcW - w) / 2
		return image.Rect(x, 0, x+w, srcH)
	}

	h := aspect.HeightFor(srcW)
	if h > srcH {
		h = srcH
	}
	var y int
	switch strategy {
	case StrategyCropTop:
		y = 0
	case StrategyCropBottom:
		y = srcH - h
	default:
		y = (srcH - h) / 2
	}
	return image.Rect(0, y, srcW, y+h)
}
