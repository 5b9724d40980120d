package lazyload

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// createTestJPEG creates a solid-color JPEG with the specified dimensions.
func createTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 128, B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// createGradientPNG creates a PNG whose red channel grows from top (0) to bottom (255).
func createGradientPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		r := uint8(y * 255 / (height - 1))
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeTestImage(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

// MockStore implements Store for testing
type MockStore struct {
	mu       sync.Mutex
	entries  map[Fingerprint]*Entry
	getCalls int
	putCalls int
	getErr   error
	putErr   error
}

func NewMockStore() *MockStore {
	return &MockStore{entries: make(map[Fingerprint]*Entry)}
}

func (m *MockStore) Get(_ context.Context, fp Fingerprint) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	entry, ok := m.entries[fp]
	return entry, ok, nil
}

func (m *MockStore) Put(_ context.Context, fp Fingerprint, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.putErr != nil {
		return m.putErr
	}
	if _, ok := m.entries[fp]; ok {
		return nil
	}
	m.entries[fp] = &Entry{Fingerprint: fp, Data: data, ContentType: contentType}
	return nil
}

func (m *MockStore) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func (m *MockStore) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

func (m *MockStore) PutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}

func (m *MockStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MockStore) Has(fp Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[fp]
	return ok
}

// MockFetcher implements Fetcher for testing. When gate is set, Fetch blocks
// until the gate closes.
type MockFetcher struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
	gate  chan struct{}
}

func NewMockFetcher(data []byte, err error) *MockFetcher {
	return &MockFetcher{data: data, err: err}
}

func (m *MockFetcher) Fetch(ctx context.Context, _ Source) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	gate, data, err := m.gate, m.data, m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, newFetchError(ErrSourceTimeout, "mock", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *MockFetcher) SetResponse(data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data, m.err = data, err
}

func (m *MockFetcher) SetGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CountingProcessor wraps a Processor and counts Transform calls.
type CountingProcessor struct {
	inner Processor
	mu    sync.Mutex
	calls int
}

func NewCountingProcessor(inner Processor) *CountingProcessor {
	return &CountingProcessor{inner: inner}
}

func (c *CountingProcessor) Transform(data []byte, spec Spec) (*Output, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Transform(data, spec)
}

func (c *CountingProcessor) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// MockProcessor implements Processor for testing
type MockProcessor struct {
	out   *Output
	err   error
	mu    sync.Mutex
	calls int
}

func NewMockProcessor(out *Output, err error) *MockProcessor {
	return &MockProcessor{out: out, err: err}
}

func (m *MockProcessor) Transform(_ []byte, _ Spec) (*Output, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

func (m *MockProcessor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingObserver implements Observer and remembers what it saw.
type recordingObserver struct {
	mu          sync.Mutex
	hits        int
	misses      int
	shared      int
	fallbacks   map[string]int
	storeErrors int
	transforms  int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{fallbacks: make(map[string]int)}
}

func (o *recordingObserver) RecordCacheLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *recordingObserver) RecordFlight(shared bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if shared {
		o.shared++
	}
}

func (o *recordingObserver) RecordFallback(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks[reason]++
}

func (o *recordingObserver) RecordStoreError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.storeErrors++
}

func (o *recordingObserver) RecordTransform(_ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transforms++
}
