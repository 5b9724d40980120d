package providers

import "errors"

var (
	// ErrNotAuthorized is returned when a provider is not on the allowlist
	ErrNotAuthorized = errors.New("provider not authorized")

	// ErrProviderNotFound is returned by repositories when no row matches
	ErrProviderNotFound = errors.New("provider not found")

	// ErrInvalidProvider is returned for empty names or unparseable destinations
	ErrInvalidProvider = errors.New("invalid provider")
)
