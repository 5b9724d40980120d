package lazyload

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_Interface(t *testing.T) {
	var _ Processor = (*ImageProcessor)(nil)
}

func TestProcessor_CropSquareTo16x9(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	out, err := proc.Transform(createTestJPEG(t, 1000, 1000), Spec{
		Strategy: StrategyCrop,
		Aspect:   Aspect{16, 9},
	})
	require.NoError(t, err)

	img := decodeTestImage(t, out.Data)
	b := img.Bounds()
	assert.Equal(t, 1000, b.Dx(), "crop keeps native width")
	assert.Equal(t, 563, b.Dy())
	assert.InDelta(t, 16.0/9.0, float64(b.Dx())/float64(b.Dy()), 0.01)
	assert.Equal(t, "image/jpeg", out.ContentType)
	assert.Equal(t, b.Dx(), out.Width)
	assert.Equal(t, b.Dy(), out.Height)

	// Window is taken from the center.
	assert.Equal(t, image.Rect(0, 218, 1000, 781), CropRect(1000, 1000, Aspect{16, 9}, StrategyCrop))
}

func TestProcessor_AnchoredCropsDiffer(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	src := createGradientPNG(t, 600, 1000)
	spec := Spec{Aspect: Aspect{1, 1}}

	spec.Strategy = StrategyCropTop
	top, err := proc.Transform(src, spec)
	require.NoError(t, err)

	spec.Strategy = StrategyCropBottom
	bottom, err := proc.Transform(src, spec)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 600, 600), CropRect(600, 1000, Aspect{1, 1}, StrategyCropTop))
	assert.Equal(t, image.Rect(0, 400, 600, 1000), CropRect(600, 1000, Aspect{1, 1}, StrategyCropBottom))

	topImg := decodeTestImage(t, top.Data)
	bottomImg := decodeTestImage(t, bottom.Data)
	assert.Equal(t, 600, topImg.Bounds().Dx())
	assert.Equal(t, 600, topImg.Bounds().Dy())

	topRed, _, _, _ := topImg.At(0, 0).RGBA()
	bottomRed, _, _, _ := bottomImg.At(0, 0).RGBA()
	assert.Less(t, topRed>>8, uint32(10), "crop-top starts at the top edge")
	assert.Greater(t, bottomRed>>8, uint32(90), "crop-bottom starts 400px down")
}

func TestProcessor_WideSourceCropsHorizontallyCentered(t *testing.T) {
	assert.Equal(t, image.Rect(750, 0, 1250, 500), CropRect(2000, 500, Aspect{1, 1}, StrategyCropTop))
	assert.Equal(t, image.Rect(750, 0, 1250, 500), CropRect(2000, 500, Aspect{1, 1}, StrategyCropBottom))
}

func TestProcessor_WidthScaling(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	src := createTestJPEG(t, 1000, 1000)

	for _, strategy := range []Strategy{StrategyResize, StrategyCrop, StrategyCropTop, StrategyCropBottom} {
		t.Run(strategy.String(), func(t *testing.T) {
			out, err := proc.Transform(src, Spec{Strategy: strategy, Aspect: Aspect{16, 9}, Width: 400})
			require.NoError(t, err)

			b := decodeTestImage(t, out.Data).Bounds()
			assert.Equal(t, 400, b.Dx())
			assert.Equal(t, 225, b.Dy())
		})
	}
}

func TestProcessor_ResizeNaturalWidth(t *testing.T) {
	src := createTestJPEG(t, 1000, 1000)

	out, err := NewProcessor(2048, 0, 90).Transform(src, Spec{Strategy: StrategyResize, Aspect: Aspect{16, 9}})
	require.NoError(t, err)
	assert.Equal(t, 1000, out.Width)
	assert.Equal(t, 563, out.Height)

	// Natural width is capped by maxWidth.
	out, err = NewProcessor(500, 0, 90).Transform(src, Spec{Strategy: StrategyResize, Aspect: Aspect{16, 9}})
	require.NoError(t, err)
	assert.Equal(t, 500, out.Width)
	assert.Equal(t, 281, out.Height)
}

func TestProcessor_AspectWithinTolerance(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	sources := [][2]int{{1000, 1000}, {640, 480}, {300, 900}, {1920, 1080}}
	aspects := []Aspect{{16, 9}, {4, 3}, {1, 1}, {9, 16}, {3, 1}}

	for _, s := range sources {
		src := createTestJPEG(t, s[0], s[1])
		for _, a := range aspects {
			for _, strategy := range []Strategy{StrategyResize, StrategyCrop} {
				out, err := proc.Transform(src, Spec{Strategy: strategy, Aspect: a})
				require.NoError(t, err)
				got := float64(out.Width) / float64(out.Height)
				want := float64(a.Width) / float64(a.Height)
				// One pixel of rounding on the shorter side.
				tolerance := want / math.Min(float64(out.Width), float64(out.Height))
				assert.InDelta(t, want, got, tolerance+1e-9, "%dx%d %s %s", s[0], s[1], strategy, a)
			}
		}
	}
}

func TestProcessor_OutputFormat(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	spec := Spec{Strategy: StrategyCrop, Aspect: Aspect{1, 1}}

	out, err := proc.Transform(createGradientPNG(t, 40, 20), spec)
	require.NoError(t, err)
	assert.Equal(t, "image/png", out.ContentType)

	out, err = proc.Transform(createTestJPEG(t, 40, 20), spec)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.ContentType)
}

func TestProcessor_InvalidImageData(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	spec := Spec{Strategy: StrategyResize, Aspect: Aspect{1, 1}}
	jpg := createTestJPEG(t, 64, 64)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an image")},
		{"truncated", jpg[:len(jpg)/3]},
		{"header only", jpg[:20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := proc.Transform(tt.data, spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
			assert.True(t, IsFallbackError(err))
		})
	}
}

func TestProcessor_PixelLimit(t *testing.T) {
	proc := NewProcessor(2048, 100, 90)
	_, err := proc.Transform(createTestJPEG(t, 20, 20), Spec{Strategy: StrategyResize, Aspect: Aspect{1, 1}})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestProcessor_RejectsOversizedOutput(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	for _, strategy := range []Strategy{StrategyResize, StrategyCrop} {
		_, err := proc.Transform(createTestJPEG(t, 20, 20), Spec{Strategy: strategy, Aspect: Aspect{1, 10000}, Width: 2048})
		assert.ErrorIs(t, err, ErrInvalidWidth, strategy)
		assert.False(t, IsFallbackError(err))
	}
}

func TestProcessor_InvalidSpec(t *testing.T) {
	proc := NewProcessor(2048, 0, 90)
	_, err := proc.Transform(createTestJPEG(t, 20, 20), Spec{Strategy: "stretch", Aspect: Aspect{1, 1}})
	assert.ErrorIs(t, err, ErrInvalidStrategy)
	assert.False(t, IsFallbackError(err))
}
