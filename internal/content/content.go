// Package content resolves source references to raw bytes.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
)

// DefaultMaxBytes 單一輸入的上限
const DefaultMaxBytes = 32 << 20

// ErrTooLarge content exceeds the configured size limit
var ErrTooLarge = errors.New("content exceeds size limit")

// Provider fetches the raw bytes behind a source reference.
// Missing content returns an error wrapping errdefs.ErrNotFound; I/O hiccups
// return errdefs.TransientIOError so the caller can retry.
type Provider interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Filesystem reads references as paths relative to a base directory.
type Filesystem struct {
	baseDir  string
	maxBytes int64
}

var _ Provider = (*Filesystem)(nil)

// NewFilesystem creates a filesystem provider rooted at baseDir.
func NewFilesystem(baseDir string, maxBytes int64) (*Filesystem, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("content: resolve base directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("content: base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content: %s is not a directory", abs)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Filesystem{baseDir: abs, maxBytes: maxBytes}, nil
}

func (fs *Filesystem) resolve(ref string) (string, error) {
	path := filepath.Join(fs.baseDir, filepath.FromSlash(ref))
	rel, err := filepath.Rel(fs.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid reference %q: path traversal detected", ref)
	}
	return path, nil
}

func (fs *Filesystem) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := fs.resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, ref)
		}
		return nil, errdefs.Transient("open "+ref, err)
	}
	defer f.Close()

	return readLimited(f, fs.maxBytes, ref)
}

// HTTP fetches references relative to a base URL; absolute http(s) references
// are fetched as-is.
type HTTP struct {
	base     *url.URL
	client   *http.Client
	maxBytes int64
}

var _ Provider = (*HTTP)(nil)

// NewHTTP creates an HTTP provider.
func NewHTTP(baseURL string, timeout time.Duration, maxBytes int64) (*HTTP, error) {
	var base *url.URL
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("content: invalid base url: %w", err)
		}
		base = u
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTP{base: base, client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}, nil
}

func (h *HTTP) target(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if h.base == nil {
		return "", fmt.Errorf("relative reference %q without base url", ref)
	}
	return h.base.ResolveReference(u).String(), nil
}

func (h *HTTP) Fetch(ctx context.Context, ref string) ([]byte, error) {
	target, err := h.target(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("content: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errdefs.Transient("get "+ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return readLimited(resp.Body, h.maxBytes, ref)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, ref)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errdefs.Transient("get "+ref, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("content: fetch %s: unexpected status %d", ref, resp.StatusCode)
	}
}

func readLimited(r io.Reader, limit int64, ref string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errdefs.Transient("read "+ref, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s larger than %d bytes", ErrTooLarge, ref, limit)
	}
	return data, nil
}
