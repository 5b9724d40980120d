package lazyload

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Strategy defines how a source image is fitted to the target aspect ratio.
type Strategy string

const (
	// StrategyResize scales the whole source and trims the centered overflow.
	StrategyResize Strategy = "resize"
	// StrategyCrop center-crops at native resolution before any scaling.
	StrategyCrop Strategy = "crop"
	// StrategyCropTop anchors the crop window at the top edge.
	StrategyCropTop Strategy = "crop-top"
	// StrategyCropBottom anchors the crop window at the bottom edge.
	StrategyCropBottom Strategy = "crop-bottom"
)

// String returns the string representation of the Strategy.
func (s Strategy) String() string {
	return string(s)
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyResize, StrategyCrop, StrategyCropTop, StrategyCropBottom:
		return true
	}
	return false
}

// ParseStrategy parses a strategy name. The empty string maps to StrategyResize.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyResize, nil
	}
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
	return st, nil
}

// maxAspectComponent bounds aspect components so placeholder and crop math stay small.
const maxAspectComponent = 10000

// maxOutputPixels is the output area ceiling applied when no pixel limit is configured.
const maxOutputPixels = 64_000_000

// OutputLimit returns the output area ceiling for a configured pixel limit.
// A non-positive limit falls back to maxOutputPixels.
func OutputLimit(maxPixels int) int {
	if maxPixels <= 0 || maxPixels > maxOutputPixels {
		return maxOutputPixels
	}
	return maxPixels
}

// Aspect is a width:height ratio reduced to lowest terms.
type Aspect struct {
	Width  int
	Height int
}

// NewAspect validates and reduces a ratio.
func NewAspect(width, height int) (Aspect, error) {
	if width <= 0 || height <= 0 {
		return Aspect{}, fmt.Errorf("%w: %d:%d", ErrInvalidAspect, width, height)
	}
	if width > maxAspectComponent || height > maxAspectComponent {
		return Aspect{}, fmt.Errorf("%w: components must not exceed %d", ErrInvalidAspect, maxAspectComponent)
	}
	g := gcd(width, height)
	return Aspect{Width: width / g, Height: height / g}, nil
}

// ParseAspect parses "W:H", "WxH" or "W/H".
func ParseAspect(s string) (Aspect, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	sep := strings.IndexAny(s, ":x/")
	if sep <= 0 || sep == len(s)-1 {
		return Aspect{}, fmt.Errorf("%w: %q", ErrInvalidAspect, s)
	}
	w, err := strconv.Atoi(s[:sep])
	if err != nil {
		return Aspect{}, fmt.Errorf("%w: %q", ErrInvalidAspect, s)
	}
	h, err := strconv.Atoi(s[sep+1:])
	if err != nil {
		return Aspect{}, fmt.Errorf("%w: %q", ErrInvalidAspect, s)
	}
	return NewAspect(w, h)
}

// String formats the aspect as "W:H".
func (a Aspect) String() string {
	return strconv.Itoa(a.Width) + ":" + strconv.Itoa(a.Height)
}

// IsZero reports whether the aspect is unset.
func (a Aspect) IsZero() bool {
	return a.Width == 0 || a.Height == 0
}

// HeightFor returns the height matching width under this aspect, rounded half up, at least 1.
func (a Aspect) HeightFor(width int) int {
	h := (2*width*a.Height + a.Width) / (2 * a.Width)
	if h < 1 {
		return 1
	}
	return h
}

// WidthFor returns the width matching height under this aspect, rounded half up, at least 1.
func (a Aspect) WidthFor(height int) int {
	w := (2*height*a.Width + a.Height) / (2 * a.Height)
	if w < 1 {
		return 1
	}
	return w
}

// OutputPixels returns the pixel area of the requested output, or 0 when the
// width is unspecified and follows the source.
func (r TransformRequest) OutputPixels() int {
	if r.Preserve || r.Width <= 0 || r.Aspect.IsZero() {
		return 0
	}
	return r.Width * r.Aspect.HeightFor(r.Width)
}

// checkOutputSize rejects requests whose output would exceed limit pixels.
func (r TransformRequest) checkOutputSize(limit int) error {
	if px := r.OutputPixels(); px > limit {
		return fmt.Errorf("%w: output %dx%d exceeds %d pixels",
			ErrInvalidWidth, r.Width, r.Aspect.HeightFor(r.Width), limit)
	}
	return nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// AspectTable maps aspect names to ratios.
type AspectTable map[string]Aspect

// DefaultAspects returns the built-in named aspect ratios.
func DefaultAspects() AspectTable {
	return AspectTable{
		"square":     {Width: 1, Height: 1},
		"landscape":  {Width: 4, Height: 3},
		"portrait":   {Width: 3, Height: 4},
		"widescreen": {Width: 16, Height: 9},
		"banner":     {Width: 3, Height: 1},
		"story":      {Width: 9, Height: 16},
	}
}

// Lookup resolves a name from the table or a literal ratio.
func (t AspectTable) Lookup(s string) (Aspect, error) {
	if a, ok := t[strings.ToLower(strings.TrimSpace(s))]; ok {
		return a, nil
	}
	return ParseAspect(s)
}

// Names returns the table's aspect names in sorted order.
func (t AspectTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TransformRequest is a validated request for a lazy-load image.
type TransformRequest struct {
	// Source is the image reference: a local path, file:// URL or http(s) URL.
	Source   string
	Strategy Strategy
	Aspect   Aspect
	// Width is the target horizontal size in pixels; 0 means unspecified.
	Width int
	// Inline asks for a base64 preview suitable for embedding in markup.
	Inline bool
	// Preserve returns the source bytes unmodified.
	Preserve bool
}

// Validate checks the request invariants.
func (r TransformRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return ErrMissingSource
	}
	if r.Preserve {
		return nil
	}
	if !r.Strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, r.Strategy)
	}
	if r.Aspect.IsZero() {
		return fmt.Errorf("%w: unset", ErrInvalidAspect)
	}
	if r.Width < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, r.Width)
	}
	return nil
}

// RequestParser turns query parameters into a TransformRequest.
type RequestParser struct {
	Aspects       AspectTable
	DefaultAspect Aspect
	MaxWidth      int
	// MaxPixels bounds the output area; see OutputLimit.
	MaxPixels int
}

// Parse reads image, strategy, aspect, width, inline and preserve from q.
func (p RequestParser) Parse(q url.Values) (TransformRequest, error) {
	req := TransformRequest{Source: strings.TrimSpace(q.Get("image"))}
	if req.Source == "" {
		return TransformRequest{}, ErrMissingSource
	}

	var err error
	if req.Strategy, err = ParseStrategy(q.Get("strategy")); err != nil {
		return TransformRequest{}, err
	}

	if a := q.Get("aspect"); a != "" {
		if req.Aspect, err = p.Aspects.Lookup(a); err != nil {
			return TransformRequest{}, err
		}
	} else {
		req.Aspect = p.DefaultAspect
	}

	if w := q.Get("width"); w != "" {
		n, convErr := strconv.Atoi(w)
		if convErr != nil || n <= 0 {
			return TransformRequest{}, fmt.Errorf("%w: %q", ErrInvalidWidth, w)
		}
		if p.MaxWidth > 0 && n > p.MaxWidth {
			return TransformRequest{}, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidWidth, n, p.MaxWidth)
		}
		req.Width = n
	}

	if req.Inline, err = parseFlag(q.Get("inline")); err != nil {
		return TransformRequest{}, err
	}
	if req.Preserve, err = parseFlag(q.Get("preserve")); err != nil {
		return TransformRequest{}, err
	}

	if err := req.Validate(); err != nil {
		return TransformRequest{}, err
	}
	if err := req.checkOutputSize(OutputLimit(p.MaxPixels)); err != nil {
		return TransformRequest{}, err
	}
	return req, nil
}

func parseFlag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidFlag, v)
	}
	return b, nil
}

// Query encodes the request back into query parameters, omitting defaults.
func (r TransformRequest) Query() url.Values {
	q := url.Values{}
	q.Set("image", r.Source)
	if r.Preserve {
		q.Set("preserve", "true")
	} else {
		q.Set("strategy", r.Strategy.String())
		q.Set("aspect", r.Aspect.String())
		if r.Width > 0 {
			q.Set("width", strconv.Itoa(r.Width))
		}
	}
	if r.Inline {
		q.Set("inline", "true")
	}
	return q
}
