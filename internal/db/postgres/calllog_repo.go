package postgres

import (
	"Lazythumb/internal/core/calllog"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type postgresCallLogRepo struct {
	db *sql.DB
}

// NewCallLogRepository creates a new PostgreSQL call log repository
func NewCallLogRepository(db *sql.DB) calllog.Repository {
	return &postgresCallLogRepo{db: db}
}

// InsertBatch writes entries with COPY inside a single transaction
func (r *postgresCallLogRepo) InsertBatch(ctx context.Context, entries []calllog.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin call log transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("call_log", "provider", "consumer", "called_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare call log copy: %w", err)
	}

	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx, e.Provider, e.Consumer, e.At.UTC()); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to queue call log entry: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush call log copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("failed to close call log copy: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit call log batch: %w", err)
	}
	return nil
}

// CountSince returns per-provider call counts at or after since, busiest first
func (r *postgresCallLogRepo) CountSince(ctx context.Context, since time.Time) ([]calllog.Usage, error) {
	query := `
		SELECT provider, COUNT(*)
		FROM call_log
		WHERE called_at >= $1
		GROUP BY provider
		ORDER BY COUNT(*) DESC, provider`

	rows, err := r.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count call log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usage []calllog.Usage
	for rows.Next() {
		var u calllog.Usage
		if err := rows.Scan(&u.Provider, &u.Calls); err != nil {
			return nil, fmt.Errorf("failed to scan call log usage: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call log usage: %w", err)
	}
	return usage, nil
}
