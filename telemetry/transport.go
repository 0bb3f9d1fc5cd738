package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Origin request kinds.
const (
	OriginKindBlob     = "blob"
	OriginKindManifest = "manifest"
	originKindOther    = "other"
)

type originKindKey struct{}

// WithOriginKind tags requests made with ctx so origin metrics can tell blob
// downloads from manifest lookups.
func WithOriginKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, originKindKey{}, kind)
}

func originKind(ctx context.Context) string {
	if kind, ok := ctx.Value(originKindKey{}).(string); ok && kind != "" {
		return kind
	}
	return originKindOther
}

// originOutcome maps a response status to the outcome label. 404 and 410
// are the origin saying it has no such blob, which callers treat apart from
// other failures.
func originOutcome(status int) string {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return "not_found"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "success"
	}
}

// InstrumentedTransport records one origin fetch per request, once the body
// is closed, so the byte count and duration cover the whole download.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	kind := originKind(ctx)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordOriginFetch(ctx, kind, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		kind:       kind,
		start:      start,
		expected:   resp.ContentLength,
		outcome:    originOutcome(resp.StatusCode),
	}
	return resp, nil
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	kind     string
	start    time.Time
	expected int64
	bytes    int64
	eof      bool
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil && b.outcome == "success":
		b.outcome = "read_error"
	}
	return n, err
}

// Close records the fetch. A successful response closed before its
// declared length was read is reported as incomplete.
func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		if b.outcome == "success" && !b.eof && b.expected > 0 && b.bytes < b.expected {
			b.outcome = "incomplete"
		}
		RecordOriginFetch(b.ctx, b.kind, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
