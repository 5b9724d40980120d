package lazyload

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 512

// MemoryStore is a bounded in-process Store backed by an LRU.
type MemoryStore struct {
	entries *lru.Cache[Fingerprint, *Entry]
}

// NewMemoryStore creates a store holding at most maxEntries entries (0 uses the default).
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	cache, err := lru.New[Fingerprint, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create memory store: %w", err)
	}
	return &MemoryStore{entries: cache}, nil
}

// Get returns the entry for fp if present.
func (m *MemoryStore) Get(_ context.Context, fp Fingerprint) (*Entry, bool, error) {
	entry, ok := m.entries.Get(fp)
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

// Put stores a copy of data unless fp is already present.
func (m *MemoryStore) Put(_ context.Context, fp Fingerprint, data []byte, contentType string) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.entries.ContainsOrAdd(fp, &Entry{
		Fingerprint: fp,
		Data:        buf,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	})
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryStore) Len() int {
	return m.entries.Len()
}
