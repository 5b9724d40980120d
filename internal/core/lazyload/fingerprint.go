package lazyload

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// fingerprintVersion is mixed into every digest; bump it when normalization or
// transformation output changes so old cache entries stop matching.
const fingerprintVersion = "lazythumb/v1"

// Source is a normalized source reference.
type Source struct {
	// Remote is true for http(s) URLs and false for local filesystem paths.
	Remote bool
	// Location is the canonical URL or absolute path.
	Location string
}

// String returns the canonical location.
func (s Source) String() string {
	return s.Location
}

// Host returns the lowercase host of a remote source, with any non-default
// port, or "local".
func (s Source) Host() string {
	if !s.Remote {
		return "local"
	}
	u, err := url.Parse(s.Location)
	if err != nil {
		return ""
	}
	return u.Host
}

// trackingParams are query parameters that never change the served image.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
	"_":      true,
}

// Normalizer canonicalizes source references so equivalent requests share a fingerprint.
type Normalizer struct {
	// Root is the directory relative local paths are resolved against.
	// Empty means the process working directory.
	Root string
}

// Normalize returns the canonical form of ref.
func (n Normalizer) Normalize(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Source{}, ErrMissingSource
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return normalizeRemote(u)
	case "file":
		return n.normalizeLocal(u.Path)
	case "":
		return n.normalizeLocal(ref)
	default:
		return Source{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
}

func normalizeRemote(u *url.URL) (Source, error) {
	if u.Host == "" {
		return Source{}, fmt.Errorf("%w: missing host", ErrInvalidSource)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""

	// Percent-encoded paths are kept verbatim; rewriting them risks
	// collapsing distinct resources onto one key.
	if u.RawPath == "" {
		u.Path = cleanURLPath(u.Path)
	}

	// Queries the parser cannot read back losslessly (";" separators, bad
	// escapes) are kept byte for byte.
	if q, err := url.ParseQuery(u.RawQuery); err == nil {
		for key := range q {
			if trackingParams[key] || strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
		u.ForceQuery = false
	}

	return Source{Remote: true, Location: u.String()}, nil
}

// cleanURLPath removes "." and ".." segments. Empty segments are kept:
// object stores treat "a//b" and "a/b" as different keys.
func cleanURLPath(p string) string {
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for i, seg := range segs {
		last := i == len(segs)-1
		switch seg {
		case ".":
		case "..":
			if len(out) > 1 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
			continue
		}
		// A trailing dot segment leaves a directory path.
		if last {
			out = append(out, "")
		}
	}
	cleaned := strings.Join(out, "/")
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

func (n Normalizer) normalizeLocal(p string) (Source, error) {
	if p == "" {
		return Source{}, fmt.Errorf("%w: empty path", ErrInvalidSource)
	}
	if strings.ContainsRune(p, '\x00') {
		return Source{}, fmt.Errorf("%w: null byte in path", ErrInvalidSource)
	}

	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) {
		root := n.Root
		if root == "" {
			abs, err := filepath.Abs(p)
			if err != nil {
				return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
			}
			return Source{Location: abs}, nil
		}
		p = filepath.Join(root, p)
	}
	return Source{Location: filepath.Clean(p)}, nil
}

// Fingerprint is the cache key of a transformation: a CIDv1 (raw codec,
// sha2-256 multihash) in base32 over the normalized request fields.
type Fingerprint string

// String returns the fingerprint text.
func (f Fingerprint) String() string {
	return string(f)
}

// BuildFingerprint derives the fingerprint for a normalized source and request.
// Passthrough requests ignore strategy, aspect and width.
func BuildFingerprint(src Source, req TransformRequest) Fingerprint {
	var b strings.Builder
	writeField(&b, fingerprintVersion)
	writeField(&b, src.Location)
	if req.Preserve {
		writeField(&b, "passthrough")
	} else {
		aspect := req.Aspect
		if reduced, err := NewAspect(aspect.Width, aspect.Height); err == nil {
			aspect = reduced
		}
		writeField(&b, req.Strategy.String())
		writeField(&b, aspect.String())
		writeField(&b, strconv.Itoa(req.Width))
	}

	// Sum only fails for unknown hash codes.
	mh, err := multihash.Sum([]byte(b.String()), multihash.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("lazyload: sha2-256 multihash: %v", err))
	}
	return Fingerprint(cid.NewCidV1(cid.Raw, mh).String())
}

// writeField length-prefixes each field so adjacent values cannot run together.
func writeField(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
	b.WriteByte(';')
}

// ParseFingerprint validates that s is a fingerprint produced by BuildFingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	prefix := c.Prefix()
	if prefix.Version != 1 || prefix.Codec != cid.Raw || prefix.MhType != multihash.SHA2_256 {
		return "", fmt.Errorf("%w: unexpected cid prefix", ErrInvalidFingerprint)
	}
	return Fingerprint(c.String()), nil
}
