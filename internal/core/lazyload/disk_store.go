package lazyload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	// ErrInvalidCacheBasePath is returned when the cache base path is empty
	ErrInvalidCacheBasePath = errors.New("cache base path cannot be empty")
	// ErrInvalidCacheMaxSize is returned when maxSizeGB is not positive
	ErrInvalidCacheMaxSize = errors.New("cache max size must be positive")
)

const (
	// tempMarker separates a fingerprint from the unique suffix of an unpublished write.
	tempMarker = ".tmp-"
	// staleTempAge is how old an orphaned temp file must be before cleanup removes it.
	staleTempAge = time.Hour
)

// DiskStore implements Store on the local (or a shared) filesystem.
// Entry path: {basePath}/{fp[-2:]}/{fp[-4:-2]}/{fp}
//
// Publishing writes a uniquely named temp file and hard-links it into place.
// The link fails when the target exists, so an entry is written at most once
// even when several processes share the directory.
//
// CreatedAt reports the file modification time, which Get refreshes for LRU
// tracking, so it is the last access time rather than the publish time.
type DiskStore struct {
	basePath  string
	maxSizeGB int
	ttlDays   int

	mu   sync.RWMutex
	busy func(Fingerprint) bool
}

// NewDiskStore creates a DiskStore with the specified base path, maximum size, and TTL.
// ttlDays of 0 disables TTL-based cleanup (only LRU eviction applies).
func NewDiskStore(basePath string, maxSizeGB int, ttlDays int) (*DiskStore, error) {
	if basePath == "" {
		return nil, ErrInvalidCacheBasePath
	}
	if maxSizeGB <= 0 {
		return nil, ErrInvalidCacheMaxSize
	}
	if ttlDays < 0 {
		return nil, errors.New("ttlDays cannot be negative")
	}
	return &DiskStore{
		basePath:  basePath,
		maxSizeGB: maxSizeGB,
		ttlDays:   ttlDays,
	}, nil
}

// SetBusyFunc registers a predicate reporting fingerprints with a computation
// in flight. Cleanup never removes entries for which it returns true.
func (c *DiskStore) SetBusyFunc(busy func(Fingerprint) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = busy
}

func (c *DiskStore) isBusy(fp Fingerprint) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busy != nil && c.busy(fp)
}

// entryPath constructs the full filesystem path for a fingerprint.
// Only fingerprints that parse as CIDs reach here, so the name is plain base32.
func (c *DiskStore) entryPath(fp Fingerprint) string {
	s := fp.String()
	n := len(s)
	return filepath.Join(c.basePath, s[n-2:], s[n-4:n-2], s)
}

func validateFingerprint(fp Fingerprint) error {
	if _, err := ParseFingerprint(fp.String()); err != nil {
		return err
	}
	return nil
}

// Get reads a published entry. Missing entries return (nil, false, nil).
// Updates the file's modification time on access for LRU tracking.
func (c *DiskStore) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if err := validateFingerprint(fp); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	path := c.entryPath(fp)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrStore, path, err)
	}

	// Failed mtime updates only degrade LRU accuracy
	now := time.Now()
	if chtimesErr := os.Chtimes(path, now, now); chtimesErr != nil {
		slog.Warn("[LAZYLOAD-CACHE] failed to update mtime for LRU tracking",
			"path", path,
			"error", chtimesErr,
		)
	}

	return &Entry{
		Fingerprint: fp,
		Data:        data,
		ContentType: mimetype.Detect(data).String(),
		CreatedAt:   now,
	}, true, nil
}

// Put publishes data under fp. contentType is not persisted; it is sniffed
// from the bytes on read.
func (c *DiskStore) Put(_ context.Context, fp Fingerprint, data []byte, _ string) error {
	if err := validateFingerprint(fp); err != nil {
		return err
	}

	path := c.entryPath(fp)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create shard dir: %v", ErrStore, err)
	}

	tmpPath := path + tempMarker + uuid.NewString()
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write temp file: %v", ErrStore, err)
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("[LAZYLOAD-CACHE] failed to remove temp file",
				"path", tmpPath,
				"error", err,
			)
		}
	}()

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("%w: publish entry: %v", ErrStore, err)
	}
	return nil
}

// diskEntry is one file found by a scan.
type diskEntry struct {
	path    string
	fp      Fingerprint
	size    int64
	modTime time.Time
}

// diskScan is a snapshot of the cache directory. Temp files are listed apart
// from entries and do not count towards size.
type diskScan struct {
	entries []diskEntry
	temps   []diskEntry
	size    int64
}

func (c *DiskStore) scan() (*diskScan, error) {
	s := &diskScan{}
	err := filepath.WalkDir(c.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			// Removed between listing and stat.
			return nil
		}

		e := diskEntry{path: path, size: info.Size(), modTime: info.ModTime()}
		if fp, _, isTemp := strings.Cut(d.Name(), tempMarker); isTemp {
			e.fp = Fingerprint(fp)
			s.temps = append(s.temps, e)
			return nil
		}
		e.fp = Fingerprint(d.Name())
		s.entries = append(s.entries, e)
		s.size += e.size
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrStore, c.basePath, err)
	}
	return s, nil
}

// GetCacheSize returns the current size of published entries in bytes.
func (c *DiskStore) GetCacheSize() (int64, error) {
	s, err := c.scan()
	if err != nil {
		return 0, err
	}
	return s.size, nil
}

// EvictLRU removes least recently read entries until the cache fits in maxSizeGB.
func (c *DiskStore) EvictLRU() (int, error) {
	s, err := c.scan()
	if err != nil {
		return 0, err
	}
	return c.evict(s), nil
}

// CleanExpired removes entries older than the TTL and temp files older than
// staleTempAge.
func (c *DiskStore) CleanExpired() (int, error) {
	s, err := c.scan()
	if err != nil {
		return 0, err
	}
	return c.expire(s, time.Now()), nil
}

// Cleanup expires, then evicts, then prunes empty shard directories, all
// from a single scan. Entries with a computation in flight are never touched.
func (c *DiskStore) Cleanup() (int, error) {
	s, err := c.scan()
	if err != nil {
		return 0, err
	}
	removed := c.expire(s, time.Now())
	removed += c.evict(s)
	if removed > 0 {
		c.pruneShards()
		slog.Info("[LAZYLOAD-CACHE] cleanup removed files",
			"removed", removed,
			"size_bytes", s.size,
		)
	}
	return removed, nil
}

// expire removes stale temps and expired entries, dropping them from s.
func (c *DiskStore) expire(s *diskScan, now time.Time) int {
	removed := 0
	tempCutoff := now.Add(-staleTempAge)
	for _, tmp := range s.temps {
		if tmp.modTime.Before(tempCutoff) && !c.isBusy(tmp.fp) && c.remove(tmp) {
			removed++
		}
	}
	s.temps = nil

	if c.ttlDays <= 0 {
		return removed
	}
	cutoff := now.AddDate(0, 0, -c.ttlDays)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.modTime.Before(cutoff) && !c.isBusy(e.fp) && c.remove(e) {
			s.size -= e.size
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// evict removes the oldest entries of s until it fits in maxSizeGB.
func (c *DiskStore) evict(s *diskScan) int {
	limit := int64(c.maxSizeGB) << 30
	if s.size <= limit {
		return 0
	}
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].modTime.Before(s.entries[j].modTime)
	})

	removed := 0
	for _, e := range s.entries {
		if s.size <= limit {
			break
		}
		if !c.isBusy(e.fp) && c.remove(e) {
			s.size -= e.size
			removed++
		}
	}
	return removed
}

func (c *DiskStore) remove(e diskEntry) bool {
	err := os.Remove(e.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("[LAZYLOAD-CACHE] failed to remove cache file",
			"path", e.path,
			"error", err,
		)
		return false
	}
	return err == nil
}

// pruneShards removes empty {fp[-2:]}/{fp[-4:-2]} directories. os.Remove
// refuses non-empty directories, so a concurrent Put keeps its shard.
func (c *DiskStore) pruneShards() {
	outer, err := os.ReadDir(c.basePath)
	if err != nil {
		return
	}
	for _, o := range outer {
		if !o.IsDir() {
			continue
		}
		dir := filepath.Join(c.basePath, o.Name())
		if inner, err := os.ReadDir(dir); err == nil {
			for _, in := range inner {
				if in.IsDir() {
					_ = os.Remove(filepath.Join(dir, in.Name()))
				}
			}
		}
		_ = os.Remove(dir)
	}
}

// StartCleanupJob runs Cleanup every interval until the returned cancel
// function is called. A non-positive interval disables the job.
func (c *DiskStore) StartCleanupJob(interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		slog.Info("[LAZYLOAD-CACHE] cleanup job disabled")
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Cleanup(); err != nil {
					slog.Error("[LAZYLOAD-CACHE] cleanup failed", "error", err)
				}
			}
		}
	}()
	return cancel
}
