package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LocalProvider is the provider name recorded for sources served from the local root.
const LocalProvider = "local"

// NormalizeName lowercases a host and strips a default port.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, ":443")
	name = strings.TrimSuffix(name, ":80")
	return name
}

// DefaultDestination is the destination assumed for a provider configured by host only.
func DefaultDestination(name string) string {
	return "https://" + NormalizeName(name) + "/"
}

// ParseEntry parses a static allowlist entry of the form "host" or "host=https://host/prefix".
func ParseEntry(entry string) (*Provider, error) {
	name, dest, found := strings.Cut(strings.TrimSpace(entry), "=")
	name = NormalizeName(name)
	if name == "" || strings.ContainsAny(name, "/ ") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, entry)
	}
	if !found || strings.TrimSpace(dest) == "" {
		return &Provider{Name: name, Destination: DefaultDestination(name), Enabled: true}, nil
	}
	dest = strings.TrimSpace(dest)
	u, err := url.Parse(dest)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: bad destination %q", ErrInvalidProvider, dest)
	}
	return &Provider{Name: name, Destination: dest, Enabled: true}, nil
}

// StaticResolver resolves providers from a fixed, config-supplied allowlist.
type StaticResolver struct {
	destinations map[string]string
}

// NewStaticResolver builds a resolver from allowlist entries (see ParseEntry).
func NewStaticResolver(entries []string) (*StaticResolver, error) {
	r := &StaticResolver{destinations: make(map[string]string, len(entries))}
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		p, err := ParseEntry(e)
		if err != nil {
			return nil, err
		}
		r.destinations[p.Name] = p.Destination
	}
	return r, nil
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, provider string) (string, error) {
	dest, ok := r.destinations[NormalizeName(provider)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAuthorized, provider)
	}
	return dest, nil
}

// Len returns the number of configured providers.
func (r *StaticResolver) Len() int {
	return len(r.destinations)
}

// RepositoryResolver resolves providers from persistent storage.
type RepositoryResolver struct {
	repo Repository
}

// NewRepositoryResolver wraps a Repository as a Resolver.
func NewRepositoryResolver(repo Repository) *RepositoryResolver {
	return &RepositoryResolver{repo: repo}
}

// Resolve implements Resolver.
func (r *RepositoryResolver) Resolve(ctx context.Context, provider string) (string, error) {
	name := NormalizeName(provider)
	p, err := r.repo.GetByName(ctx, name)
	if errors.Is(err, ErrProviderNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotAuthorized, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve provider: %w", err)
	}
	if !p.Enabled {
		return "", fmt.Errorf("%w: %s disabled", ErrNotAuthorized, name)
	}
	return p.Destination, nil
}

// cachedResolution holds a resolution result with expiration
type cachedResolution struct {
	expiresAt   time.Time
	destination string
	authorized  bool
}

// CachingResolver memoizes another Resolver's answers, including refusals, for a TTL.
// Lookup failures other than ErrNotAuthorized are never cached.
type CachingResolver struct {
	next  Resolver
	cache *lru.Cache[string, cachedResolution]
	ttl   time.Duration
	now   func() time.Time
}

// NewCachingResolver wraps next with a bounded cache of the given size and TTL.
func NewCachingResolver(next Resolver, size int, ttl time.Duration) *CachingResolver {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, cachedResolution](size)
	if err != nil {
		slog.Warn("[PROVIDERS] failed to create resolver cache, using minimal size", "error", err)
		cache, _ = lru.New[string, cachedResolution](1)
	}
	return &CachingResolver{next: next, cache: cache, ttl: ttl, now: time.Now}
}

// Resolve implements Resolver.
func (r *CachingResolver) Resolve(ctx context.Context, provider string) (string, error) {
	name := NormalizeName(provider)
	if cached, ok := r.cache.Get(name); ok {
		if r.now().Before(cached.expiresAt) {
			if !cached.authorized {
				return "", fmt.Errorf("%w: %s", ErrNotAuthorized, name)
			}
			return cached.destination, nil
		}
		r.cache.Remove(name)
	}

	dest, err := r.next.Resolve(ctx, name)
	switch {
	case err == nil:
		r.cache.Add(name, cachedResolution{destination: dest, authorized: true, expiresAt: r.now().Add(r.ttl)})
	case errors.Is(err, ErrNotAuthorized):
		r.cache.Add(name, cachedResolution{expiresAt: r.now().Add(r.ttl)})
	}
	return dest, err
}

// Invalidate drops any cached answer for provider.
func (r *CachingResolver) Invalidate(provider string) {
	r.cache.Remove(NormalizeName(provider))
}

// AuthorizeSource checks that a remote source URL belongs to an authorized provider
// and falls under that provider's destination prefix. It returns the provider name.
func AuthorizeSource(ctx context.Context, r Resolver, source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: unparseable source", ErrNotAuthorized)
	}
	name := NormalizeName(u.Host)
	dest, err := r.Resolve(ctx, name)
	if err != nil {
		return name, err
	}
	if !withinDestination(u, dest) {
		return name, fmt.Errorf("%w: %s outside %s", ErrNotAuthorized, source, dest)
	}
	return name, nil
}

// withinDestination reports whether u has dest's scheme and host and a path
// under dest's path. The path prefix only matches at a segment boundary.
func withinDestination(u *url.URL, dest string) bool {
	d, err := url.Parse(dest)
	if err != nil || d.Host == "" {
		return false
	}
	if !strings.EqualFold(u.Scheme, d.Scheme) || NormalizeName(u.Host) != NormalizeName(d.Host) {
		return false
	}

	prefix := strings.TrimSuffix(d.Path, "/")
	if prefix == "" {
		return true
	}
	// Decoded and cleaned, so escaped dot segments cannot climb out of the prefix.
	p := path.Clean("/" + u.Path)
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
