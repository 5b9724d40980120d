// Package lazyload provides on-demand, aspect-correct image transformation for
// lazy-loading front ends.
//
// The package implements a multi-tier architecture:
//   - Service: Orchestrates fingerprinting, caching, fetching and transforming
//   - Coordinator: Runs at most one computation per fingerprint per process
//   - Store: Write-once fingerprint → image storage (disk, leveldb, memory, tiered)
//   - Fetcher: Retrieves sources from a local root or over http(s)
//   - Processor: Fits images to an aspect ratio by resizing or cropping
//   - Placeholders: Deterministic filler images and tiny inline previews
//
// Sources that cannot be fetched or decoded never fail a request: the service
// answers with a placeholder for the requested aspect and does not cache it,
// so a later request retries the real source.
package lazyload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ResultKind distinguishes a real image from a placeholder fallback.
type ResultKind int

const (
	// ResultSuccess carries transformed (or passthrough) source bytes.
	ResultSuccess ResultKind = iota
	// ResultPlaceholder carries filler bytes substituted for an unusable source.
	ResultPlaceholder
)

// String returns the result kind label used in headers and logs.
func (k ResultKind) String() string {
	if k == ResultPlaceholder {
		return "placeholder"
	}
	return "image"
}

// CacheStatus describes how a result was obtained.
type CacheStatus string

const (
	// CacheHit means the result was read from the store.
	CacheHit CacheStatus = "hit"
	// CacheMiss means this caller's computation produced and published the result.
	CacheMiss CacheStatus = "miss"
	// CacheShared means the result came from a computation shared with other callers.
	CacheShared CacheStatus = "shared"
	// CacheBypass means the result was not published: a placeholder, or a failed store write.
	CacheBypass CacheStatus = "bypass"
)

// Result is the outcome of a transformation request.
type Result struct {
	Kind        ResultKind
	Data        []byte
	ContentType string
	Fingerprint Fingerprint
	CacheStatus CacheStatus

	// Reason is the fetch or decode failure behind a placeholder. Nil on success.
	Reason error

	// Preview is a data URI set when the request asked for inline output:
	// a low-fidelity preview of a real image, or the placeholder itself.
	Preview string
}

// IsPlaceholder reports whether the result is a fallback.
func (r *Result) IsPlaceholder() bool {
	return r.Kind == ResultPlaceholder
}

// ReasonLabel returns a short label for the fallback reason, or "" on success.
func (r *Result) ReasonLabel() string {
	if r.Reason == nil {
		return ""
	}
	return fallbackReason(r.Reason)
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithObserver sets the telemetry sink.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithCoordinator shares a coordinator, for example with a DiskStore busy check.
func WithCoordinator(c *Coordinator) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.flight = c
		}
	}
}

// WithPlaceholders sets the placeholder generator.
func WithPlaceholders(p *Placeholders) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.placeholders = p
		}
	}
}

// Service orchestrates fingerprinting, caching, single-flight computation and
// placeholder fallback.
type Service struct {
	store         Store
	fetcher       Fetcher
	processor     Processor
	placeholders  *Placeholders
	flight        *Coordinator
	observer      Observer
	breaker       *sourceBreaker
	normalizer    Normalizer
	defaultAspect Aspect
	outputLimit   int
}

// NewService creates a Service with the provided dependencies.
// Returns an error if any required dependency is nil.
func NewService(store Store, fetcher Fetcher, processor Processor, cfg Config, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher", ErrNilDependency)
	}
	if processor == nil {
		return nil, fmt.Errorf("%w: processor", ErrNilDependency)
	}

	defaultAspect := cfg.DefaultAspect
	if defaultAspect.IsZero() {
		defaultAspect = DefaultConfig().DefaultAspect
	}

	s := &Service{
		store:         store,
		fetcher:       fetcher,
		processor:     processor,
		placeholders:  NewPlaceholders(cfg.PreviewWidth),
		flight:        NewCoordinator(cfg.ComputeTimeout),
		observer:      nopObserver{},
		breaker:       newSourceBreaker(cfg.BreakerThreshold, cfg.BreakerOpenDuration),
		normalizer:    Normalizer{Root: cfg.SourceRoot},
		defaultAspect: defaultAspect,
		outputLimit:   OutputLimit(cfg.MaxMegapixels * 1_000_000),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Coordinator returns the single-flight coordinator.
func (s *Service) Coordinator() *Coordinator {
	return s.flight
}

// Placeholders returns the placeholder generator.
func (s *Service) Placeholders() *Placeholders {
	return s.placeholders
}

// Normalize canonicalizes a source reference the same way Transform does.
func (s *Service) Normalize(ref string) (Source, error) {
	return s.normalizer.Normalize(ref)
}

// Fingerprint validates req and returns its cache key without computing anything.
func (s *Service) Fingerprint(req TransformRequest) (Fingerprint, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	src, err := s.normalizer.Normalize(req.Source)
	if err != nil {
		return "", err
	}
	return BuildFingerprint(src, req), nil
}

// Cached reports whether fp is already published. Read errors count as absent.
func (s *Service) Cached(ctx context.Context, fp Fingerprint) bool {
	_, found := s.lookup(ctx, fp)
	return found
}

// Transform returns the image for req.
// The service flow is:
//  1. Validate and normalize the request, derive its fingerprint
//  2. Check the store - return if hit
//  3. On miss, join or start the single computation for the fingerprint
//  4. Fetch the source and transform it (or pass it through)
//  5. Publish real images to the store; never publish placeholders
//  6. Attach an inline preview when asked
//
// Unusable sources yield a ResultPlaceholder, not an error. Errors are
// returned for invalid requests, caller cancellation, and internal failures
// such as an encoder error or a panicking transformation.
func (s *Service) Transform(ctx context.Context, req TransformRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := req.checkOutputSize(s.outputLimit); err != nil {
		return nil, err
	}
	src, err := s.normalizer.Normalize(req.Source)
	if err != nil {
		return nil, err
	}
	fp := BuildFingerprint(src, req)

	if entry, ok := s.lookup(ctx, fp); ok {
		s.observer.RecordCacheLookup(true)
		slog.Debug("[LAZYLOAD] cache hit",
			"fingerprint", fp,
			"source", src.Location,
		)
		return s.finish(hitResult(fp, entry), req)
	}
	s.observer.RecordCacheLookup(false)

	res, shared, err := s.flight.Do(ctx, fp, func(ctx context.Context) (*Result, error) {
		return s.compute(ctx, fp, src, req)
	})
	if err != nil {
		return nil, err
	}
	s.observer.RecordFlight(shared)

	// The computed result is shared between waiters; each caller gets its own copy.
	out := *res
	if shared && out.CacheStatus == CacheMiss {
		out.CacheStatus = CacheShared
	}
	return s.finish(&out, req)
}

// compute runs inside the coordinator, once per fingerprint at a time.
func (s *Service) compute(ctx context.Context, fp Fingerprint, src Source, req TransformRequest) (*Result, error) {
	// Another process, or a computation that finished just before this one
	// started, may already have published the entry.
	if entry, ok := s.lookup(ctx, fp); ok {
		return hitResult(fp, entry), nil
	}

	host := src.Host()
	if err := s.breaker.canAttempt(host); err != nil {
		return s.fallback(fp, req, src, err)
	}

	data, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = newFetchError(ErrSourceUnavailable, src.Location, err)
		}
		s.breaker.recordFailure(host, err)
		return s.fallback(fp, req, src, err)
	}
	s.breaker.recordSuccess(host)

	var body []byte
	var contentType string
	if req.Preserve {
		mt := mimetype.Detect(data)
		if !strings.HasPrefix(mt.String(), "image/") {
			return s.fallback(fp, req, src, fmt.Errorf("%w: passthrough source is %s", ErrDecode, mt.String()))
		}
		body, contentType = data, mt.String()
	} else {
		start := time.Now()
		out, err := s.processor.Transform(data, Spec{
			Strategy: req.Strategy,
			Aspect:   req.Aspect,
			Width:    req.Width,
		})
		s.observer.RecordTransform(time.Since(start), err)
		if err != nil {
			if IsFallbackError(err) {
				return s.fallback(fp, req, src, err)
			}
			return nil, err
		}
		body, contentType = out.Data, out.ContentType
	}

	status := CacheMiss
	if err := s.store.Put(ctx, fp, body, contentType); err != nil {
		// The computed bytes are still served; only durability is lost.
		s.observer.RecordStoreError()
		status = CacheBypass
		slog.Error("[LAZYLOAD] failed to publish transformed image",
			"fingerprint", fp,
			"source", src.Location,
			"size_bytes", len(body),
			"error", err,
		)
	} else {
		slog.Debug("[LAZYLOAD] published transformed image",
			"fingerprint", fp,
			"source", src.Location,
			"size_bytes", len(body),
		)
	}

	return &Result{
		Kind:        ResultSuccess,
		Data:        body,
		ContentType: contentType,
		Fingerprint: fp,
		CacheStatus: status,
	}, nil
}

// fallback builds the placeholder result for reason. Placeholders are never published.
func (s *Service) fallback(fp Fingerprint, req TransformRequest, src Source, reason error) (*Result, error) {
	label := fallbackReason(reason)
	s.observer.RecordFallback(label)
	slog.Warn("[LAZYLOAD] serving placeholder",
		"fingerprint", fp,
		"source", src.Location,
		"reason", label,
		"error", reason,
	)

	data, err := s.placeholders.Placeholder(s.placeholderAspect(req))
	if err != nil {
		return nil, err
	}
	return &Result{
		Kind:        ResultPlaceholder,
		Data:        data,
		ContentType: placeholderContentType,
		Fingerprint: fp,
		CacheStatus: CacheBypass,
		Reason:      reason,
	}, nil
}

// lookup treats store read errors as misses.
func (s *Service) lookup(ctx context.Context, fp Fingerprint) (*Entry, bool) {
	entry, found, err := s.store.Get(ctx, fp)
	if err != nil {
		slog.Warn("[LAZYLOAD] cache read error, falling back to compute",
			"fingerprint", fp,
			"error", err,
		)
		return nil, false
	}
	return entry, found
}

// finish attaches the inline preview when req asks for one.
func (s *Service) finish(res *Result, req TransformRequest) (*Result, error) {
	if !req.Inline {
		return res, nil
	}

	if res.Kind == ResultSuccess {
		preview, err := s.placeholders.Preview(res.Data)
		if err == nil {
			res.Preview = preview
			return res, nil
		}
		slog.Warn("[LAZYLOAD] inline preview failed, using placeholder",
			"fingerprint", res.Fingerprint,
			"error", err,
		)
	}

	uri, err := s.placeholders.PlaceholderDataURI(s.placeholderAspect(req))
	if err != nil {
		return nil, err
	}
	res.Preview = uri
	return res, nil
}

// PlaceholderFor returns the placeholder matching req's aspect.
func (s *Service) PlaceholderFor(req TransformRequest) ([]byte, error) {
	return s.placeholders.Placeholder(s.placeholderAspect(req))
}

// placeholderAspect falls back to the default aspect for passthrough requests without one.
func (s *Service) placeholderAspect(req TransformRequest) Aspect {
	if req.Aspect.IsZero() {
		return s.defaultAspect
	}
	return req.Aspect
}

func hitResult(fp Fingerprint, entry *Entry) *Result {
	return &Result{
		Kind:        ResultSuccess,
		Data:        entry.Data,
		ContentType: entry.ContentType,
		Fingerprint: fp,
		CacheStatus: CacheHit,
	}
}
