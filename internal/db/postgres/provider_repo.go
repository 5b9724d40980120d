package postgres

import (
	"Lazythumb/internal/core/providers"
	"context"
	"database/sql"
	"fmt"
)

type postgresProviderRepo struct {
	db *sql.DB
}

// NewProviderRepository creates a new PostgreSQL provider repository
func NewProviderRepository(db *sql.DB) providers.Repository {
	return &postgresProviderRepo{db: db}
}

// GetByName retrieves a provider by its host name
func (r *postgresProviderRepo) GetByName(ctx context.Context, name string) (*providers.Provider, error) {
	p := &providers.Provider{}
	query := `SELECT name, destination, enabled, created_at, updated_at FROM providers WHERE name = $1`

	err := r.db.QueryRowContext(ctx, query, name).
		Scan(&p.Name, &p.Destination, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, providers.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider by name: %w", err)
	}

	return p, nil
}

// Upsert inserts a provider or updates its destination and enabled flag
func (r *postgresProviderRepo) Upsert(ctx context.Context, p *providers.Provider) error {
	if p == nil || p.Name == "" || p.Destination == "" {
		return providers.ErrInvalidProvider
	}

	query := `
		INSERT INTO providers (name, destination, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET destination = EXCLUDED.destination,
		    enabled = EXCLUDED.enabled,
		    updated_at = NOW()
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, p.Name, p.Destination, p.Enabled).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}

	return nil
}

// List returns every provider ordered by name
func (r *postgresProviderRepo) List(ctx context.Context) ([]*providers.Provider, error) {
	query := `SELECT name, destination, enabled, created_at, updated_at FROM providers ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*providers.Provider
	for rows.Next() {
		p := &providers.Provider{}
		if err := rows.Scan(&p.Name, &p.Destination, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate providers: %w", err)
	}

	return result, nil
}
