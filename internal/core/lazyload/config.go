package lazyload

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config validation errors
var (
	// ErrInvalidCacheMaxGB is returned when CacheMaxGB is not positive
	ErrInvalidCacheMaxGB = errors.New("CacheMaxGB must be positive")
	// ErrInvalidFetchTimeout is returned when FetchTimeout is not positive
	ErrInvalidFetchTimeout = errors.New("FetchTimeout must be positive")
	// ErrInvalidMaxSourceSize is returned when MaxSourceSizeMB is not positive
	ErrInvalidMaxSourceSize = errors.New("MaxSourceSizeMB must be positive")
	// ErrMissingCachePath is returned when CachePath is empty for a persistent backend
	ErrMissingCachePath = errors.New("CachePath is required for disk and leveldb backends")
	// ErrInvalidCacheTTL is returned when CacheTTLDays is negative
	ErrInvalidCacheTTL = errors.New("CacheTTLDays cannot be negative")
	// ErrInvalidCacheBackend is returned when CacheBackend is not disk, leveldb or memory
	ErrInvalidCacheBackend = errors.New("CacheBackend must be disk, leveldb or memory")
	// ErrInvalidMaxWidth is returned when MaxWidth is not positive
	ErrInvalidMaxWidth = errors.New("MaxWidth must be positive")
	// ErrInvalidJPEGQuality is returned when JPEGQuality is outside 1-100
	ErrInvalidJPEGQuality = errors.New("JPEGQuality must be between 1 and 100")
	// ErrInvalidBreaker is returned when the breaker threshold or open duration is negative
	ErrInvalidBreaker = errors.New("breaker settings cannot be negative")
)

// Cache backends
const (
	BackendDisk    = "disk"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Config holds the configuration for the lazy-load transformation service.
type Config struct {
	// CacheBackend selects the durable store: disk, leveldb or memory.
	CacheBackend string

	// CachePath is the directory for the disk store or the leveldb database.
	CachePath string

	// CacheMaxGB is the maximum disk cache size in gigabytes.
	CacheMaxGB int

	// CacheTTLDays is the maximum age in days for disk cache entries.
	// Set to 0 to disable TTL-based cleanup (only LRU eviction applies).
	CacheTTLDays int

	// CleanupInterval is how often to run disk cache cleanup. 0 disables background cleanup.
	CleanupInterval time.Duration

	// MemoryEntries bounds the in-memory front cache. 0 disables the front cache
	// for persistent backends.
	MemoryEntries int

	// SourceRoot is the directory local source paths resolve against and must stay within.
	// Empty disables local sources.
	SourceRoot string

	// FetchTimeout is the maximum time allowed for fetching a source.
	FetchTimeout time.Duration

	// MaxSourceSizeMB is the maximum allowed size for source images in megabytes.
	MaxSourceSizeMB int

	// MaxWidth caps requested widths and the natural width of resize results.
	MaxWidth int

	// MaxMegapixels rejects sources with more decoded pixels than this. 0 disables the check.
	MaxMegapixels int

	// JPEGQuality is the encoder quality for JPEG output.
	JPEGQuality int

	// ComputeTimeout bounds one shared fetch+transform computation.
	ComputeTimeout time.Duration

	// PreviewWidth is the width of inline previews.
	PreviewWidth int

	// DefaultAspect applies when a request omits the aspect.
	DefaultAspect Aspect

	// Aspects is the named aspect table.
	Aspects AspectTable

	// BreakerThreshold is the number of consecutive fetch failures after which
	// a source host is suspended. 0 disables suspension.
	BreakerThreshold int

	// BreakerOpenDuration is how long a suspended host is skipped.
	BreakerOpenDuration time.Duration
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case BackendDisk, BackendLevelDB:
		if c.CachePath == "" {
			return ErrMissingCachePath
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidCacheBackend, c.CacheBackend)
	}
	if c.CacheMaxGB <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCacheMaxGB, c.CacheMaxGB)
	}
	if c.CacheTTLDays < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCacheTTL, c.CacheTTLDays)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidFetchTimeout, c.FetchTimeout)
	}
	if c.MaxSourceSizeMB <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxSourceSize, c.MaxSourceSizeMB)
	}
	if c.MaxWidth <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxWidth, c.MaxWidth)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidJPEGQuality, c.JPEGQuality)
	}
	if c.DefaultAspect.IsZero() {
		return fmt.Errorf("%w: default aspect unset", ErrInvalidAspect)
	}
	if c.BreakerThreshold < 0 || c.BreakerOpenDuration < 0 {
		return ErrInvalidBreaker
	}
	return nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		CacheBackend:        BackendDisk,
		CachePath:           "/var/cache/lazythumb",
		CacheMaxGB:          10,
		CacheTTLDays:        30,
		CleanupInterval:     1 * time.Hour,
		MemoryEntries:       256,
		SourceRoot:          "",
		FetchTimeout:        15 * time.Second,
		MaxSourceSizeMB:     DefaultMaxSourceSizeMB,
		MaxWidth:            2048,
		MaxMegapixels:       50,
		JPEGQuality:         85,
		ComputeTimeout:      60 * time.Second,
		PreviewWidth:        DefaultPreviewWidth,
		DefaultAspect:       Aspect{Width: 16, Height: 9},
		Aspects:             DefaultAspects(),
		BreakerThreshold:    0,
		BreakerOpenDuration: 5 * time.Minute,
	}
}

// EnvPrefix prefixes environment overrides: cache.max_gb is read from LAZYTHUMB_CACHE_MAX_GB.
const EnvPrefix = "LAZYTHUMB"

// NewViper returns a viper instance reading LAZYTHUMB_* environment overrides
// with every lazy-load default registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default value of every lazy-load key on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("cache.backend", d.CacheBackend)
	v.SetDefault("cache.path", d.CachePath)
	v.SetDefault("cache.max_gb", d.CacheMaxGB)
	v.SetDefault("cache.ttl_days", d.CacheTTLDays)
	v.SetDefault("cache.cleanup_interval", d.CleanupInterval)
	v.SetDefault("cache.memory_entries", d.MemoryEntries)
	v.SetDefault("source.root", d.SourceRoot)
	v.SetDefault("source.fetch_timeout", d.FetchTimeout)
	v.SetDefault("source.max_size_mb", d.MaxSourceSizeMB)
	v.SetDefault("transform.max_width", d.MaxWidth)
	v.SetDefault("transform.max_megapixels", d.MaxMegapixels)
	v.SetDefault("transform.jpeg_quality", d.JPEGQuality)
	v.SetDefault("transform.compute_timeout", d.ComputeTimeout)
	v.SetDefault("transform.preview_width", d.PreviewWidth)
	v.SetDefault("transform.default_aspect", d.DefaultAspect.String())
	v.SetDefault("breaker.failure_threshold", d.BreakerThreshold)
	v.SetDefault("breaker.open_duration", d.BreakerOpenDuration)
}

// ConfigFromViper builds and validates a Config from v. Keys missing from v
// fall back to DefaultConfig. Entries of transform.aspects extend (and may
// override) the built-in aspect table; invalid entries are logged and skipped.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	cfg := DefaultConfig()
	cfg.CacheBackend = strings.ToLower(v.GetString("cache.backend"))
	cfg.CachePath = v.GetString("cache.path")
	cfg.CacheMaxGB = v.GetInt("cache.max_gb")
	cfg.CacheTTLDays = v.GetInt("cache.ttl_days")
	cfg.CleanupInterval = v.GetDuration("cache.cleanup_interval")
	cfg.MemoryEntries = v.GetInt("cache.memory_entries")
	cfg.SourceRoot = v.GetString("source.root")
	cfg.FetchTimeout = v.GetDuration("source.fetch_timeout")
	cfg.MaxSourceSizeMB = v.GetInt("source.max_size_mb")
	cfg.MaxWidth = v.GetInt("transform.max_width")
	cfg.MaxMegapixels = v.GetInt("transform.max_megapixels")
	cfg.JPEGQuality = v.GetInt("transform.jpeg_quality")
	cfg.ComputeTimeout = v.GetDuration("transform.compute_timeout")
	cfg.PreviewWidth = v.GetInt("transform.preview_width")
	cfg.BreakerThreshold = v.GetInt("breaker.failure_threshold")
	cfg.BreakerOpenDuration = v.GetDuration("breaker.open_duration")

	for name, ratio := range v.GetStringMapString("transform.aspects") {
		aspect, err := ParseAspect(ratio)
		if err != nil {
			slog.Warn("[LAZYLOAD] invalid aspect table entry, skipping",
				"name", name,
				"value", ratio,
				"error", err,
			)
			continue
		}
		cfg.Aspects[strings.ToLower(name)] = aspect
	}

	defaultAspect, err := cfg.Aspects.Lookup(v.GetString("transform.default_aspect"))
	if err != nil {
		return Config{}, fmt.Errorf("transform.default_aspect: %w", err)
	}
	cfg.DefaultAspect = defaultAspect

	if cfg.SourceRoot != "" {
		abs, err := filepath.Abs(cfg.SourceRoot)
		if err != nil {
			return Config{}, fmt.Errorf("source.root: %w", err)
		}
		cfg.SourceRoot = abs
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequestParser returns a parser applying this configuration's aspect table and limits.
func (c Config) RequestParser() RequestParser {
	return RequestParser{
		Aspects:       c.Aspects,
		DefaultAspect: c.DefaultAspect,
		MaxWidth:      c.MaxWidth,
		MaxPixels:     c.MaxMegapixels * 1_000_000,
	}
}

// NewProcessor returns an ImageProcessor using this configuration's limits.
func (c Config) NewProcessor() *ImageProcessor {
	return NewProcessor(c.MaxWidth, c.MaxMegapixels*1_000_000, c.JPEGQuality)
}

// NewFetcher returns a SourceFetcher using this configuration's root and limits.
func (c Config) NewFetcher() *SourceFetcher {
	return NewSourceFetcher(c.SourceRoot, c.FetchTimeout, c.MaxSourceSizeMB)
}
