package lazyload

import (
	"context"
	"log/slog"
	"time"
)

// Entry is a published cache entry. Entries are write-once.
type Entry struct {
	Fingerprint Fingerprint
	Data        []byte
	ContentType string
	CreatedAt   time.Time
}

// Store is a content-addressed fingerprint → image store.
type Store interface {
	// Get returns the fully published entry for fp.
	// A missing entry is (nil, false, nil), not an error.
	Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error)

	// Put publishes data under fp. Readers see either nothing or the complete entry.
	// If fp is already published, the existing entry is kept and Put returns nil.
	Put(ctx context.Context, fp Fingerprint, data []byte, contentType string) error
}

// TieredStore serves reads from a fast front store and falls back to a
// durable back store, promoting back-store hits into the front.
type TieredStore struct {
	front Store
	back  Store
}

// NewTieredStore layers front over back.
func NewTieredStore(front, back Store) *TieredStore {
	return &TieredStore{front: front, back: back}
}

// Get checks the front store, then the back store.
func (t *TieredStore) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if entry, found, err := t.front.Get(ctx, fp); err == nil && found {
		return entry, true, nil
	}

	entry, found, err := t.back.Get(ctx, fp)
	if err != nil || !found {
		return nil, false, err
	}

	if promoteErr := t.front.Put(ctx, fp, entry.Data, entry.ContentType); promoteErr != nil {
		slog.Warn("[LAZYLOAD-CACHE] failed to promote entry into front store",
			"fingerprint", fp,
			"error", promoteErr,
		)
	}
	return entry, true, nil
}

// Put publishes to the back store first so the front never holds an entry
// the durable store rejected.
func (t *TieredStore) Put(ctx context.Context, fp Fingerprint, data []byte, contentType string) error {
	if err := t.back.Put(ctx, fp, data, contentType); err != nil {
		return err
	}
	return t.front.Put(ctx, fp, data, contentType)
}
