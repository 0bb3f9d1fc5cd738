// Package origin provides the sources the blob cache fetches from: an HTTP
// blob server and a local mirror directory.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
	"github.com/wolfeidau/blob-cache/payload"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// DefaultTimeout bounds a single origin request.
const DefaultTimeout = 5 * time.Minute

// ErrNotFound is returned when the origin does not have a blob or manifest.
var ErrNotFound = errors.New("not found at origin")

// HTTP fetches blobs from <base>/<id> and manifests from
// <base>/manifests/<payload>.json.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTP origin.
type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom HTTP client. Its transport is not
// instrumented.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = client
	}
}

// NewHTTP creates an HTTP origin rooted at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid origin url %q", blobcache.ErrInvalidArgument, baseURL)
	}
	h := &HTTP{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Fetch downloads a blob into dst.
func (h *HTTP) Fetch(ctx context.Context, id blobcache.BlobID, dst string) error {
	body, err := h.get(telemetry.WithOriginKind(ctx, telemetry.OriginKindBlob), h.baseURL+"/"+id.String())
	if err != nil {
		return fmt.Errorf("fetching blob %s: %w", id, err)
	}
	defer func() { _ = body.Close() }()

	if _, err := backend.WriteFileAtomic(ctx, dst, body); err != nil {
		return fmt.Errorf("storing blob %s: %w", id, err)
	}
	return nil
}

// Copy copies a cached file to dst.
func (h *HTTP) Copy(ctx context.Context, src, dst string) error {
	return CopyFile(ctx, src, dst)
}

// Manifest fetches a payload manifest. It satisfies payload.ManifestFetcher.
func (h *HTTP) Manifest(ctx context.Context, payloadID string) (*payload.Manifest, error) {
	body, err := h.get(telemetry.WithOriginKind(ctx, telemetry.OriginKindManifest), h.baseURL+"/manifests/"+url.PathEscape(payloadID)+".json")
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", payloadID, err)
	}
	defer func() { _ = body.Close() }()

	var m payload.Manifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", payloadID, err)
	}
	return &m, nil
}

func (h *HTTP) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("origin returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}
