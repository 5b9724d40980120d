package lazyload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDBStore is a Store backed by a goleveldb database.
//
// Value layout: uvarint(len(contentType)) contentType varint(createdAt unix nanos) data.
type LevelDBStore struct {
	db        *leveldb.DB
	readOpts  *opt.ReadOptions
	writeOpts *opt.WriteOptions

	// putMu serializes the existence check and write of Put so entries stay write-once.
	putMu sync.Mutex
}

// OpenLevelDBStore opens (or creates) a leveldb database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, ErrInvalidCacheBasePath
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		Strict: opt.DefaultStrict,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb store at %s: %w", path, err)
	}
	return newLevelDBStore(db), nil
}

// NewMemLevelDBStore opens a leveldb store on in-memory storage.
func NewMemLevelDBStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb store: %w", err)
	}
	return newLevelDBStore(db), nil
}

func newLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{
		db:        db,
		readOpts:  &opt.ReadOptions{Strict: opt.DefaultStrict},
		writeOpts: &opt.WriteOptions{Sync: false},
	}
}

// Get returns the entry for fp if present.
func (s *LevelDBStore) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	raw, err := s.db.Get([]byte(fp), s.readOpts)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: leveldb get: %v", ErrStore, err)
	}
	entry, err := decodeLevelDBValue(fp, raw)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Put stores data under fp unless it already exists.
func (s *LevelDBStore) Put(_ context.Context, fp Fingerprint, data []byte, contentType string) error {
	s.putMu.Lock()
	defer s.putMu.Unlock()

	exists, err := s.db.Has([]byte(fp), s.readOpts)
	if err != nil {
		return fmt.Errorf("%w: leveldb has: %v", ErrStore, err)
	}
	if exists {
		return nil
	}

	if err := s.db.Put([]byte(fp), encodeLevelDBValue(data, contentType, time.Now()), s.writeOpts); err != nil {
		return fmt.Errorf("%w: leveldb put: %v", ErrStore, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func encodeLevelDBValue(data []byte, contentType string, createdAt time.Time) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(contentType)+len(data))
	buf = binary.AppendUvarint(buf, uint64(len(contentType)))
	buf = append(buf, contentType...)
	buf = binary.AppendVarint(buf, createdAt.UnixNano())
	return append(buf, data...)
}

func decodeLevelDBValue(fp Fingerprint, raw []byte) (*Entry, error) {
	ctLen, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < ctLen {
		return nil, fmt.Errorf("%w: corrupt entry header for %s", ErrStore, fp)
	}
	raw = raw[n:]
	contentType := string(raw[:ctLen])
	raw = raw[ctLen:]

	nanos, n := binary.Varint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("%w: corrupt entry timestamp for %s", ErrStore, fp)
	}

	data := make([]byte, len(raw)-n)
	copy(data, raw[n:])
	return &Entry{
		Fingerprint: fp,
		Data:        data,
		ContentType: contentType,
		CreatedAt:   time.Unix(0, nanos),
	}, nil
}
