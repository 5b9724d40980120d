package providers

import (
	"context"
	"time"
)

// Provider is an upstream image host that clients may ask us to transform from.
type Provider struct {
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Name        string // source host, e.g. "images.example.com"
	Destination string // URL prefix every source from this provider must start with
	Enabled     bool
}

// Resolver maps a provider identifier to its authorized destination.
// Implementations return ErrNotAuthorized for unknown or disabled providers.
type Resolver interface {
	Resolve(ctx context.Context, provider string) (string, error)
}

// Repository defines the interface for provider persistence
type Repository interface {
	// GetByName returns ErrProviderNotFound when no provider has the name.
	GetByName(ctx context.Context, name string) (*Provider, error)

	// Upsert creates or updates a provider keyed by name.
	Upsert(ctx context.Context, p *Provider) error

	// List returns all providers ordered by name.
	List(ctx context.Context) ([]*Provider, error)
}
