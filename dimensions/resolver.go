// Package dimensions learns intrinsic sizes of images referenced by pages.
// Resolution is done by a pool of background workers, callers get a blocking
// bounded-wait lookup backed by a cache.
package dimensions

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ampc/config"
)

var (
	// ErrRemoteDisabled is returned for network references when remote
	// resolution is not allowed.
	ErrRemoteDisabled = errors.New("remote image resolution is disabled")
	// ErrUnsupported is returned for references which are neither local paths
	// nor http(s) or data URLs.
	ErrUnsupported = errors.New("unsupported image reference")
	// ErrOutsideRoot is returned for local references escaping asset root.
	ErrOutsideRoot = errors.New("image reference points outside of asset root")
)

// Source resolves a single reference, it is called from pool workers.
type Source interface {
	Resolve(ctx context.Context, ref string) (Size, error)
}

// Resolver reads images from local asset root or network.
type Resolver struct {
	root      string
	remote    bool
	maxBytes  int64
	userAgent string
	client    *http.Client
}

// NewResolver creates resolver. Timeout from configuration limits single
// network request, it is independent from the bounded wait of the cache.
func NewResolver(cfg *config.DimensionsConfig) *Resolver {
	return &Resolver{
		root:      cfg.AssetRoot,
		remote:    cfg.Remote,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Resolve returns intrinsic size of the referenced image.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Size, error) {
	rc, err := r.open(ctx, strings.TrimSpace(ref))
	if err != nil {
		return Size{}, err
	}
	defer rc.Close()

	var in io.Reader = rc
	if r.maxBytes > 0 {
		in = io.LimitReader(rc, r.maxBytes)
	}
	return DecodeSize(in)
}

func (r *Resolver) open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		if !r.remote {
			return nil, ErrRemoteDisabled
		}
		return r.fetch(ctx, ref)
	case strings.HasPrefix(lower, "data:"):
		return openDataURL(ref)
	}

	if u, err := url.Parse(ref); err == nil && len(u.Scheme) > 1 {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}
	return r.openLocal(ref)
}

func (r *Resolver) fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch image: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unable to fetch image: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// openLocal maps site reference to a file under asset root: query and
// fragment are dropped, leading slash means asset root.
func (r *Resolver) openLocal(ref string) (io.ReadCloser, error) {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if p, err := url.PathUnescape(ref); err == nil {
		ref = p
	}
	rel := path.Clean(strings.TrimLeft(ref, "/"))
	if rel == "." {
		return nil, fmt.Errorf("%w: empty path", ErrUnsupported)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, ErrOutsideRoot
	}
	f, err := os.Open(filepath.Join(r.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("unable to open image: %w", err)
	}
	return f, nil
}

func openDataURL(ref string) (io.ReadCloser, error) {
	meta, payload, ok := strings.Cut(ref[len("data:"):], ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data url", ErrUnsupported)
	}
	var data []byte
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("unable to decode data url: %w", err)
		}
		data = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("unable to decode data url: %w", err)
		}
		data = []byte(s)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
