package lazyload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher resolves a normalized source to raw bytes.
// Failures are *FetchError values. Fetchers never retry.
type Fetcher interface {
	Fetch(ctx context.Context, src Source) ([]byte, error)
}

// DefaultMaxSourceSizeMB is the default maximum source image size if not configured.
const DefaultMaxSourceSizeMB = 10

// SourceFetcher reads local files under a root directory and remote http(s) URLs.
type SourceFetcher struct {
	client       *http.Client
	root         string
	timeout      time.Duration
	maxSizeBytes int64
	userAgent    string
}

// NewSourceFetcher creates a SourceFetcher. Local sources must live under root;
// an empty root disables local sources. maxSizeMB of 0 uses the default of 10MB.
func NewSourceFetcher(root string, timeout time.Duration, maxSizeMB int) *SourceFetcher {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSourceSizeMB
	}
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &SourceFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		root:         root,
		timeout:      timeout,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		userAgent:    "Lazythumb/1.0",
	}
}

// Fetch retrieves the bytes for src, bounded by the configured size and timeout.
func (f *SourceFetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if src.Remote {
		return f.fetchRemote(ctx, src)
	}
	return f.fetchLocal(ctx, src)
}

func (f *SourceFetcher) fetchRemote(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return nil, newFetchError(ErrSourceUnavailable, src.Location, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeoutError(err) {
			return nil, newFetchError(ErrSourceTimeout, src.Location, err)
		}
		return nil, newFetchError(ErrSourceUnavailable, src.Location, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, newFetchError(ErrSourceNotFound, src.Location, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newFetchError(ErrSourceForbidden, src.Location, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, newFetchError(ErrSourceTimeout, src.Location, nil)
	default:
		return nil, newFetchError(ErrSourceUnavailable, src.Location,
			fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	if resp.ContentLength > f.maxSizeBytes {
		return nil, newFetchError(ErrSourceTooLarge, src.Location,
			fmt.Errorf("content length %d exceeds maximum %d bytes", resp.ContentLength, f.maxSizeBytes))
	}

	return f.readLimited(ctx, src, resp.Body)
}

func (f *SourceFetcher) fetchLocal(ctx context.Context, src Source) ([]byte, error) {
	if f.root == "" || !withinRoot(f.root, src.Location) {
		return nil, newFetchError(ErrSourceForbidden, src.Location, errors.New("path outside source root"))
	}

	// Symlinks are followed before the root check so a link cannot lead outside it.
	resolved, err := filepath.EvalSymlinks(src.Location)
	if err != nil {
		return nil, classifyFSError(src.Location, err)
	}
	root, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		root = f.root
	}
	if !withinRoot(root, resolved) {
		return nil, newFetchError(ErrSourceForbidden, src.Location, errors.New("symlink leads outside source root"))
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, classifyFSError(src.Location, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, classifyFSError(src.Location, err)
	}
	if info.IsDir() {
		return nil, newFetchError(ErrSourceNotFound, src.Location, errors.New("is a directory"))
	}
	if info.Size() > f.maxSizeBytes {
		return nil, newFetchError(ErrSourceTooLarge, src.Location,
			fmt.Errorf("file size %d exceeds maximum %d bytes", info.Size(), f.maxSizeBytes))
	}

	return f.readLimited(ctx, src, file)
}

// readLimited reads at most maxSizeBytes, aborting when ctx ends.
// One byte past the limit is read to detect oversized bodies without Content-Length.
func (f *SourceFetcher) readLimited(ctx context.Context, src Source, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(ctxReader{ctx: ctx, r: r}, f.maxSizeBytes+1))
	if err != nil {
		if ctx.Err() != nil || isTimeoutError(err) {
			return nil, newFetchError(ErrSourceTimeout, src.Location, err)
		}
		return nil, newFetchError(ErrSourceUnavailable, src.Location, err)
	}
	if int64(len(data)) > f.maxSizeBytes {
		return nil, newFetchError(ErrSourceTooLarge, src.Location,
			fmt.Errorf("body exceeds maximum %d bytes", f.maxSizeBytes))
	}
	return data, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func withinRoot(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func classifyFSError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newFetchError(ErrSourceNotFound, path, err)
	case errors.Is(err, os.ErrPermission):
		return newFetchError(ErrSourceForbidden, path, err)
	default:
		return newFetchError(ErrSourceUnavailable, path, err)
	}
}

// isTimeoutError checks if the error is a timeout-related error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
