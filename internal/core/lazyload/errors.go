package lazyload

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSource is returned when a request has no source image reference.
	ErrMissingSource = errors.New("missing source image reference")

	// ErrInvalidStrategy is returned when the strategy is not one of resize, crop, crop-top or crop-bottom.
	ErrInvalidStrategy = errors.New("invalid strategy")

	// ErrInvalidAspect is returned when an aspect ratio cannot be parsed or has non-positive components.
	ErrInvalidAspect = errors.New("invalid aspect ratio")

	// ErrInvalidWidth is returned when the requested width is not a positive integer within limits.
	ErrInvalidWidth = errors.New("invalid width")

	// ErrInvalidFlag is returned when a boolean parameter such as inline or preserve is not a boolean.
	ErrInvalidFlag = errors.New("invalid boolean parameter")

	// ErrInvalidSource is returned when a source reference cannot be normalized.
	ErrInvalidSource = errors.New("invalid source reference")

	// ErrInvalidFingerprint is returned when a string is not a well-formed fingerprint.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrDecode is returned when source bytes are malformed, truncated or in an unsupported format.
	ErrDecode = errors.New("image decode failed")

	// ErrEncode is returned when a transformed image cannot be encoded.
	ErrEncode = errors.New("image encode failed")

	// ErrStore is returned when the cache store fails to read or persist an entry.
	ErrStore = errors.New("cache store error")

	// ErrSourceCircuitOpen is returned when fetches to a source host are suspended after repeated failures.
	ErrSourceCircuitOpen = errors.New("source host temporarily suspended")

	// ErrComputePanic is returned to every waiter when a transformation panics.
	ErrComputePanic = errors.New("transformation panicked")

	// ErrNilDependency is returned when a required dependency is nil.
	ErrNilDependency = errors.New("required dependency is nil")
)

// Fetch failure kinds. A *FetchError matches its kind with errors.Is.
var (
	ErrSourceNotFound    = errors.New("source not found")
	ErrSourceTooLarge    = errors.New("source exceeds size limit")
	ErrSourceTimeout     = errors.New("source fetch timed out")
	ErrSourceForbidden   = errors.New("source access forbidden")
	ErrSourceUnavailable = errors.New("source unavailable")
)

// FetchError describes why a source could not be retrieved.
type FetchError struct {
	// Kind is one of the ErrSource* sentinels.
	Kind error
	// Source is the normalized reference that was fetched.
	Source string
	// Err is the underlying cause, if any.
	Err error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Source, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Source)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this fetch error.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind
}

func newFetchError(kind error, source string, err error) *FetchError {
	return &FetchError{Kind: kind, Source: source, Err: err}
}

// IsFallbackError reports whether err should be answered with a placeholder
// instead of failing the request.
func IsFallbackError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrSourceCircuitOpen)
}

// fallbackReason maps a fallback error onto a short label used in logs, headers and metrics.
func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrSourceNotFound):
		return "not_found"
	case errors.Is(err, ErrSourceTooLarge):
		return "too_large"
	case errors.Is(err, ErrSourceTimeout):
		return "timeout"
	case errors.Is(err, ErrSourceForbidden):
		return "forbidden"
	case errors.Is(err, ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrSourceCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrDecode):
		return "decode"
	default:
		return "unknown"
	}
}
