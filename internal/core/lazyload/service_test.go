package lazyload

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceConfig() Config {
	cfg := DefaultConfig()
	cfg.CacheBackend = BackendMemory
	cfg.ComputeTimeout = 5 * time.Second
	return cfg
}

func cropRequest() TransformRequest {
	return TransformRequest{
		Source:   "https://example.com/cat.jpg",
		Strategy: StrategyCrop,
		Aspect:   Aspect{16, 9},
		Width:    400,
	}
}

type serviceFixture struct {
	svc       *Service
	store     *MockStore
	fetcher   *MockFetcher
	processor *CountingProcessor
	observer  *recordingObserver
}

func newServiceFixture(t *testing.T, source []byte, cfg Config) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:     NewMockStore(),
		fetcher:   NewMockFetcher(source, nil),
		processor: NewCountingProcessor(NewProcessor(cfg.MaxWidth, 0, cfg.JPEGQuality)),
		observer:  newRecordingObserver(),
	}
	svc, err := NewService(f.store, f.fetcher, f.processor, cfg, WithObserver(f.observer))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNewService_NilDependencies(t *testing.T) {
	cfg := testServiceConfig()
	store, fetcher, proc := NewMockStore(), NewMockFetcher(nil, nil), NewMockProcessor(nil, nil)

	_, err := NewService(nil, fetcher, proc, cfg)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewService(store, nil, proc, cfg)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewService(store, fetcher, nil, cfg)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestService_RoundTripServesCachedBytes(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 1000, 1000), testServiceConfig())
	ctx := context.Background()

	first, err := f.svc.Transform(ctx, cropRequest())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, first.Kind)
	assert.Equal(t, CacheMiss, first.CacheStatus)
	assert.Equal(t, "image/jpeg", first.ContentType)
	assert.Nil(t, first.Reason)

	b := decodeTestImage(t, first.Data).Bounds()
	assert.Equal(t, 400, b.Dx())
	assert.Equal(t, 225, b.Dy())

	second, err := f.svc.Transform(ctx, cropRequest())
	require.NoError(t, err)
	assert.Equal(t, CacheHit, second.CacheStatus)
	assert.Equal(t, first.Data, second.Data, "cached output must be byte-identical")
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	assert.Equal(t, 1, f.processor.Calls(), "executor must not run for a cache hit")
	assert.Equal(t, 1, f.fetcher.Calls())
	assert.Equal(t, 1, f.observer.hits)
	assert.Equal(t, 1, f.observer.misses)
}

func TestService_FingerprintAndCached(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 300, 300), testServiceConfig())
	ctx := context.Background()

	fp, err := f.svc.Fingerprint(cropRequest())
	require.NoError(t, err)
	assert.False(t, f.svc.Cached(ctx, fp))

	res, err := f.svc.Transform(ctx, cropRequest())
	require.NoError(t, err)
	assert.Equal(t, fp, res.Fingerprint)
	assert.True(t, f.svc.Cached(ctx, fp))
	assert.Zero(t, f.observer.hits, "Cached does not count as a lookup")

	_, err = f.svc.Fingerprint(TransformRequest{})
	assert.ErrorIs(t, err, ErrMissingSource)
}

func TestService_EquivalentRequestsShareCacheEntry(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 200, 200), testServiceConfig())
	ctx := context.Background()

	req := cropRequest()
	_, err := f.svc.Transform(ctx, req)
	require.NoError(t, err)

	req.Source = "HTTPS://EXAMPLE.COM/cat.jpg?utm_campaign=spring"
	req.Aspect = Aspect{32, 18}
	res, err := f.svc.Transform(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CacheHit, res.CacheStatus)
	assert.Equal(t, 1, f.processor.Calls())
}

func TestService_DecodeFailureFallsBackWithoutCaching(t *testing.T) {
	valid := createTestJPEG(t, 800, 800)
	f := newServiceFixture(t, valid[:len(valid)/3], testServiceConfig())
	ctx := context.Background()
	req := cropRequest()

	res, err := f.svc.Transform(ctx, req)
	require.NoError(t, err, "a bad source is not a request failure")
	assert.Equal(t, ResultPlaceholder, res.Kind)
	assert.True(t, res.IsPlaceholder())
	assert.Equal(t, CacheBypass, res.CacheStatus)
	assert.ErrorIs(t, res.Reason, ErrDecode)
	assert.Equal(t, "decode", res.ReasonLabel())
	assert.Equal(t, "image/png", res.ContentType)

	want, err := f.svc.Placeholders().Placeholder(req.Aspect)
	require.NoError(t, err)
	assert.Equal(t, want, res.Data, "placeholder matches the requested aspect")

	assert.Zero(t, f.store.Len(), "placeholders are never published")
	assert.Equal(t, 1, f.observer.fallbacks["decode"])

	// The source recovers; the same fingerprint now yields a real image.
	f.fetcher.SetResponse(valid, nil)
	res, err = f.svc.Transform(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, CacheMiss, res.CacheStatus)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 2, f.fetcher.Calls())
}

func TestService_FetchFailureFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"not found", newFetchError(ErrSourceNotFound, "x", nil), "not_found"},
		{"too large", newFetchError(ErrSourceTooLarge, "x", nil), "too_large"},
		{"timeout", newFetchError(ErrSourceTimeout, "x", context.DeadlineExceeded), "timeout"},
		{"forbidden", newFetchError(ErrSourceForbidden, "x", nil), "forbidden"},
		{"untyped error", errors.New("connection reset"), "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, nil, testServiceConfig())
			f.fetcher.SetResponse(nil, tt.err)

			res, err := f.svc.Transform(context.Background(), cropRequest())
			require.NoError(t, err)
			assert.Equal(t, ResultPlaceholder, res.Kind)
			assert.Equal(t, tt.reason, res.ReasonLabel())
			assert.Zero(t, f.processor.Calls())
			assert.Zero(t, f.store.PutCalls())
		})
	}
}

func TestService_SingleFlight(t *testing.T) {
	const callers = 12
	f := newServiceFixture(t, createTestJPEG(t, 1000, 1000), testServiceConfig())
	req := cropRequest()
	fp, err := f.svc.Fingerprint(req)
	require.NoError(t, err)

	gate := make(chan struct{})
	f.fetcher.SetGate(gate)

	results := make([]*Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Transform(context.Background(), req)
		}(i)
	}

	require.Eventually(t, func() bool {
		return f.svc.Coordinator().Waiters(fp) == callers
	}, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.fetcher.Calls(), "source fetched once")
	assert.Equal(t, 1, f.processor.Calls(), "transformed once")
	assert.Equal(t, 1, f.store.PutCalls(), "published once")

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ResultSuccess, results[i].Kind)
		assert.Equal(t, CacheShared, results[i].CacheStatus)
		assert.Equal(t, results[0].Data, results[i].Data)
	}
	assert.False(t, f.svc.Coordinator().InFlight(fp))
}

func TestService_StoreWriteFailureStillServesImage(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 300, 300), testServiceConfig())
	f.store.SetPutError(errors.New("disk full"))

	res, err := f.svc.Transform(context.Background(), cropRequest())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, CacheBypass, res.CacheStatus)
	assert.NotEmpty(t, res.Data)
	assert.Equal(t, 1, f.observer.storeErrors)
}

func TestService_StoreReadFailureComputes(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 300, 300), testServiceConfig())
	f.store.SetGetError(errors.New("io error"))

	res, err := f.svc.Transform(context.Background(), cropRequest())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, 1, f.processor.Calls())
}

func TestService_Passthrough(t *testing.T) {
	source := createTestJPEG(t, 120, 80)
	f := newServiceFixture(t, source, testServiceConfig())
	req := TransformRequest{Source: "https://example.com/raw.jpg", Preserve: true}

	res, err := f.svc.Transform(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, source, res.Data, "passthrough returns the source unmodified")
	assert.Equal(t, "image/jpeg", res.ContentType)
	assert.Zero(t, f.processor.Calls())
	assert.Equal(t, 1, f.store.Len())

	// Non-image passthrough sources fall back to the default aspect placeholder.
	f2 := newServiceFixture(t, []byte("<html>not an image</html>"), testServiceConfig())
	res, err = f2.svc.Transform(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ResultPlaceholder, res.Kind)
	assert.ErrorIs(t, res.Reason, ErrDecode)
	want, err := f2.svc.Placeholders().Placeholder(DefaultConfig().DefaultAspect)
	require.NoError(t, err)
	assert.Equal(t, want, res.Data)
}

func TestService_InlinePreview(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 1000, 1000), testServiceConfig())
	req := cropRequest()
	req.Inline = true

	res, err := f.svc.Transform(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Preview, "data:image/jpeg;base64,"))
	assert.NotEmpty(t, res.Data, "the full image is still returned")

	// Fallbacks inline the placeholder itself.
	f.fetcher.SetResponse(nil, newFetchError(ErrSourceNotFound, "x", nil))
	req.Source = "https://example.com/missing.jpg"
	res, err = f.svc.Transform(context.Background(), req)
	require.NoError(t, err)
	want, err := f.svc.Placeholders().PlaceholderDataURI(req.Aspect)
	require.NoError(t, err)
	assert.Equal(t, want, res.Preview)
}

func TestService_BreakerSkipsDeadHosts(t *testing.T) {
	cfg := testServiceConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerOpenDuration = time.Minute
	f := newServiceFixture(t, nil, cfg)
	f.fetcher.SetResponse(nil, newFetchError(ErrSourceUnavailable, "x", nil))
	ctx := context.Background()

	res, err := f.svc.Transform(ctx, cropRequest())
	require.NoError(t, err)
	assert.Equal(t, "unavailable", res.ReasonLabel())

	other := cropRequest()
	other.Width = 200
	res, err = f.svc.Transform(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "circuit_open", res.ReasonLabel())
	assert.Equal(t, 1, f.fetcher.Calls(), "suspended host is not fetched")
}

func TestService_RequestErrors(t *testing.T) {
	f := newServiceFixture(t, nil, testServiceConfig())
	ctx := context.Background()

	_, err := f.svc.Transform(ctx, TransformRequest{Strategy: StrategyCrop, Aspect: Aspect{1, 1}})
	assert.ErrorIs(t, err, ErrMissingSource)

	req := cropRequest()
	req.Source = "gopher://example.com/a.jpg"
	_, err = f.svc.Transform(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidSource)

	req = cropRequest()
	req.Strategy = "zoom"
	_, err = f.svc.Transform(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	req = cropRequest()
	req.Aspect = Aspect{1, 10000}
	req.Width = 2048
	_, err = f.svc.Transform(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidWidth)

	assert.Zero(t, f.fetcher.Calls())
	assert.Zero(t, f.processor.Calls())
}

func TestService_InternalErrorsPropagate(t *testing.T) {
	cfg := testServiceConfig()
	store := NewMockStore()
	fetcher := NewMockFetcher([]byte("bytes"), nil)

	svc, err := NewService(store, fetcher, NewMockProcessor(nil, ErrEncode), cfg)
	require.NoError(t, err)
	_, err = svc.Transform(context.Background(), cropRequest())
	assert.ErrorIs(t, err, ErrEncode)
	assert.Zero(t, store.Len())

	svc, err = NewService(store, fetcher, panickingProcessor{}, cfg)
	require.NoError(t, err)
	_, err = svc.Transform(context.Background(), cropRequest())
	assert.ErrorIs(t, err, ErrComputePanic)
	assert.Zero(t, svc.Coordinator().Slots())
}

func TestService_CallerCancellation(t *testing.T) {
	f := newServiceFixture(t, createTestJPEG(t, 100, 100), testServiceConfig())
	gate := make(chan struct{})
	f.fetcher.SetGate(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.Transform(ctx, cropRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The detached computation still completes and publishes.
	close(gate)
	assert.Eventually(t, func() bool { return f.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

type panickingProcessor struct{}

func (panickingProcessor) Transform([]byte, Spec) (*Output, error) {
	panic("corrupt decoder state")
}
