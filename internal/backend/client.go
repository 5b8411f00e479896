// Package backend invokes upstream targets and wraps invocation with
// breaker gating, per-attempt timeouts and retries.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/headers"
)

const defaultMaxResponseBytes = 10 << 20

// ErrResponseTooLarge is returned when a backend body exceeds the configured
// cap. The partial body is discarded.
var ErrResponseTooLarge = errors.New("backend response too large")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxResponseBytes caps the size of a backend body. Larger bodies fail the
// invocation with ErrResponseTooLarge.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) {
		c.maxResponseBytes = n
	}
}

// Client forwards requests to HTTP backends.
type Client struct {
	httpClient       *http.Client
	maxResponseBytes int64
}

var _ ports.Backend = (*Client)(nil)

// NewClient creates a client with a traced transport.
func NewClient(opts ...ClientOption) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 64
	transport.IdleConnTimeout = 90 * time.Second

	c := &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke sends req to target. The target URL is the base the request path is
// appended to.
func (c *Client) Invoke(ctx context.Context, target domain.BackendTarget, req *domain.Request) (*domain.Response, error) {
	url := strings.TrimSuffix(target.URL, "/") + req.Path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	headers.StripHopByHop(httpReq.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", target.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", target.Name, err)
	}
	if int64(len(respBody)) > c.maxResponseBytes {
		return nil, fmt.Errorf("%w: %s sent more than %d bytes", ErrResponseTooLarge, target.Name, c.maxResponseBytes)
	}

	out := &domain.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}
	headers.StripHopByHop(out.Header)
	out.Header.Del("Content-Length")
	return out, nil
}
