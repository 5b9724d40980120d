// Package lazyload provides the HTTP handlers for the lazy-load image service.
// Bad or unreachable source images never produce an HTTP error: the service
// substitutes a placeholder and the handler serves it with no-store caching.
package lazyload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"Lazythumb/internal/api/handlers"
	"Lazythumb/internal/core/calllog"
	"Lazythumb/internal/core/lazyload"
	"Lazythumb/internal/core/providers"
)

const (
	// HeaderCache reports hit, miss, shared or bypass.
	HeaderCache = "X-Lazythumb-Cache"
	// HeaderResult reports image or placeholder.
	HeaderResult = "X-Lazythumb-Result"
	// HeaderReason carries the fallback reason for placeholders.
	HeaderReason = "X-Lazythumb-Reason"

	cacheImmutable = "public, max-age=31536000, immutable"

	// statusClientClosedRequest is logged when the caller goes away mid-request.
	statusClientClosedRequest = 499
)

// Service defines the lazyload core operations the handler depends on.
type Service interface {
	Transform(ctx context.Context, req lazyload.TransformRequest) (*lazyload.Result, error)
	Fingerprint(req lazyload.TransformRequest) (lazyload.Fingerprint, error)
	Cached(ctx context.Context, fp lazyload.Fingerprint) bool
	Normalize(ref string) (lazyload.Source, error)
	Placeholders() *lazyload.Placeholders
}

// Handler serves /transform and /placeholder.
type Handler struct {
	service  Service
	parser   lazyload.RequestParser
	rewriter *lazyload.MarkupRewriter
	resolver providers.Resolver
	recorder calllog.Recorder
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithResolver enables the provider allowlist for remote sources.
func WithResolver(r providers.Resolver) HandlerOption {
	return func(h *Handler) { h.resolver = r }
}

// WithRecorder sets the call log recorder.
func WithRecorder(r calllog.Recorder) HandlerOption {
	return func(h *Handler) {
		if r != nil {
			h.recorder = r
		}
	}
}

// NewHandler creates a new lazyload handler.
func NewHandler(service Service, parser lazyload.RequestParser, rewriter *lazyload.MarkupRewriter, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:  service,
		parser:   parser,
		rewriter: rewriter,
		recorder: calllog.NopRecorder{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// markupResponse is returned when the image parameter holds HTML.
type markupResponse struct {
	Image    string `json:"image"`
	Lazyload string `json:"lazyload"`
}

// HandleTransform handles GET /transform.
func (h *Handler) HandleTransform(w http.ResponseWriter, r *http.Request) {
	req, err := h.parser.Parse(r.URL.Query())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if lazyload.IsMarkup(req.Source) {
		h.handleMarkup(w, req)
		return
	}

	src, err := h.service.Normalize(req.Source)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	provider := providers.LocalProvider
	if src.Remote {
		provider = src.Host()
		if h.resolver != nil {
			if _, err := providers.AuthorizeSource(r.Context(), h.resolver, src.Location); err != nil {
				handleServiceError(w, r, err)
				return
			}
		}
	}

	fp, err := h.service.Fingerprint(req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	etag := fmt.Sprintf(`"%s"`, fp)

	if !req.Inline && r.Header.Get("If-None-Match") == etag && h.service.Cached(r.Context(), fp) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", cacheImmutable)
		w.Header().Set(HeaderCache, string(lazyload.CacheHit))
		w.WriteHeader(http.StatusNotModified)
		h.recorder.Record(provider, handlers.ClientIP(r))
		return
	}

	res, err := h.service.Transform(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.recorder.Record(provider, handlers.ClientIP(r))

	w.Header().Set(HeaderCache, string(res.CacheStatus))
	w.Header().Set(HeaderResult, res.Kind.String())
	if res.IsPlaceholder() {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set(HeaderReason, res.ReasonLabel())
	} else {
		w.Header().Set("Cache-Control", cacheImmutable)
		if !req.Inline && res.CacheStatus != lazyload.CacheBypass {
			w.Header().Set("ETag", etag)
		}
	}

	if req.Inline {
		writeBody(w, "text/plain; charset=utf-8", []byte(res.Preview), fp)
		return
	}
	writeBody(w, res.ContentType, res.Data, fp)
}

func (h *Handler) handleMarkup(w http.ResponseWriter, req lazyload.TransformRequest) {
	if h.rewriter == nil {
		handlers.WriteError(w, http.StatusBadRequest, "InvalidRequest", "markup rewriting is not enabled")
		return
	}
	out, err := h.rewriter.Rewrite(req.Source, req)
	if err != nil {
		slog.Warn("[LAZYLOAD] markup rewrite failed", "error", err)
		handlers.WriteError(w, http.StatusBadRequest, "InvalidMarkup", "image markup could not be parsed")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	handlers.WriteJSON(w, http.StatusOK, markupResponse{Image: req.Source, Lazyload: out})
}

// HandlePlaceholder handles GET /placeholder?aspect=<a>.
func (h *Handler) HandlePlaceholder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	aspect := h.parser.DefaultAspect
	if a := q.Get("aspect"); a != "" {
		parsed, err := h.parser.Aspects.Lookup(a)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		aspect = parsed
	}

	inline := false
	if v := q.Get("inline"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			handleServiceError(w, r, fmt.Errorf("%w: %q", lazyload.ErrInvalidFlag, v))
			return
		}
		inline = b
	}

	placeholders := h.service.Placeholders()
	w.Header().Set("Cache-Control", cacheImmutable)
	w.Header().Set(HeaderResult, lazyload.ResultPlaceholder.String())

	if inline {
		uri, err := placeholders.PlaceholderDataURI(aspect)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeBody(w, "text/plain; charset=utf-8", []byte(uri), "")
		return
	}

	data, err := placeholders.Placeholder(aspect)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeBody(w, "image/png", data, "")
}

func writeBody(w http.ResponseWriter, contentType string, data []byte, fp lazyload.Fingerprint) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("[LAZYLOAD] failed to write response",
			"fingerprint", fp,
			"error", err,
		)
	}
}

// handleServiceError converts service errors to appropriate HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lazyload.ErrMissingSource):
		handlers.WriteError(w, http.StatusBadRequest, "MissingParameter", "image parameter is required")
	case errors.Is(err, lazyload.ErrInvalidStrategy),
		errors.Is(err, lazyload.ErrInvalidAspect),
		errors.Is(err, lazyload.ErrInvalidWidth),
		errors.Is(err, lazyload.ErrInvalidFlag),
		errors.Is(err, lazyload.ErrInvalidSource):
		handlers.WriteError(w, http.StatusBadRequest, "InvalidParameter", err.Error())
	case errors.Is(err, providers.ErrNotAuthorized):
		slog.Info("[LAZYLOAD] source provider not authorized",
			"error", err,
			"client_ip", handlers.ClientIP(r),
		)
		handlers.WriteError(w, http.StatusForbidden, "ProviderNotAuthorized", "source provider is not authorized")
	case errors.Is(err, context.Canceled):
		slog.Debug("[LAZYLOAD] client went away",
			"path", r.URL.Path,
			"status", statusClientClosedRequest,
		)
		w.WriteHeader(statusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		handlers.WriteError(w, http.StatusGatewayTimeout, "Timeout", "transformation timed out")
	default:
		slog.Error("[LAZYLOAD] unhandled service error",
			"path", r.URL.Path,
			"error", err,
		)
		handlers.WriteError(w, http.StatusInternalServerError, "InternalServerError", "internal server error")
	}
}
