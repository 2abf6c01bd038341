// Package geodata holds thin clients for the external services the portal
// proxies: the Dadata company registry and the public cadastral map.
package geodata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mapportal.org/internal/auth"
	"mapportal.org/internal/obs"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 16 << 20
	browserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// ErrTimeout is returned when an upstream did not answer in time.
var ErrTimeout = errors.New("upstream timeout")

// UpstreamError reports a non-success answer from an external service.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d", e.Service, e.Status)
}

// Option configures a client.
type Option func(*base)

// WithHTTPClient replaces the HTTP client; tests point it at httptest servers.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) {
		if c != nil {
			b.http = c
		}
	}
}

// WithBaseURL overrides the upstream endpoint.
func WithBaseURL(u string) Option {
	return func(b *base) {
		if u != "" {
			b.url = u
		}
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.http.Timeout = d
		}
	}
}

type base struct {
	service string
	url     string
	http    *http.Client
}

func newBase(service, url string, opts []Option) base {
	b := base{
		service: service,
		url:     url,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// do sends req and decodes a 200 response into dst. Non-200 answers become
// *UpstreamError; deadline overruns become ErrTimeout.
func (b base) do(req *http.Request, dst any) (err error) {
	started := time.Now()
	defer func() { obs.ObserveUpstream(b.service, started, err) }()

	resp, err := b.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s: %w", b.service, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", b.service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", b.service, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &UpstreamError{Service: b.service, Status: resp.StatusCode, Body: snippet}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%s: decode response: %w", b.service, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func notConfigured(what string) error {
	return fmt.Errorf("%w: %s", auth.ErrNotConfigured, what)
}
