package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/safehttp"
)

var (
	ErrInsecureScheme   = errors.New("webhook url must use https")
	ErrTooManyRedirects = errors.New("webhook redirect limit exceeded")
	ErrInvalidURL       = errors.New("invalid webhook url")
)

const (
	DefaultAttemptTimeout = 10 * time.Second
	DefaultMaxRedirects   = 3

	drainLimit = 64 << 10
)

// DelivererConfig tunes a Deliverer.
type DelivererConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
}

// Attempt is the outcome of one delivery attempt.
type Attempt struct {
	StatusCode int
	Err        error
	// Terminal failures are never retried.
	Terminal bool
	Duration time.Duration
}

// Delivered reports whether the endpoint acknowledged with 2xx.
func (a Attempt) Delivered() bool {
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300
}

// Rejected reports whether the attempt was refused before any request was
// sent because the destination failed validation.
func (a Attempt) Rejected() bool {
	return errors.Is(a.Err, safehttp.ErrDisallowedAddress) ||
		errors.Is(a.Err, ErrInsecureScheme) ||
		errors.Is(a.Err, ErrInvalidURL) ||
		errors.Is(a.Err, ErrTooManyRedirects)
}

// Sender performs a single delivery attempt.
type Sender interface {
	Deliver(ctx context.Context, job *domain.WebhookDeliveryJob) Attempt
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithTLSConfig sets the client TLS configuration.
func WithTLSConfig(cfg *tls.Config) DelivererOption {
	return func(d *Deliverer) { d.tlsConfig = cfg }
}

// Deliverer signs and POSTs job payloads through an SSRF-guarded transport.
type Deliverer struct {
	guard     *safehttp.Guard
	secrets   ports.SecretResolver
	clock     clock.Clock
	cfg       DelivererConfig
	tlsConfig *tls.Config
	client    *http.Client
}

var _ Sender = (*Deliverer)(nil)

// NewDeliverer creates a Deliverer. A nil guard uses the system resolver.
func NewDeliverer(guard *safehttp.Guard, secrets ports.SecretResolver, cfg DelivererConfig, clk clock.Clock, opts ...DelivererOption) *Deliverer {
	if guard == nil {
		guard = safehttp.NewGuard()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAttemptTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "resilient-gateway-webhooks/1.0"
	}

	d := &Deliverer{
		guard:   guard,
		secrets: secrets,
		clock:   clk,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.client = &http.Client{
		Transport:     otelhttp.NewTransport(safehttp.NewTransport(guard, d.tlsConfig)),
		CheckRedirect: d.checkRedirect,
	}
	return d
}

func (d *Deliverer) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > d.cfg.MaxRedirects {
		return fmt.Errorf("%w: %d hops", ErrTooManyRedirects, len(via))
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf("%w: redirect to %s", ErrInsecureScheme, req.URL.Redacted())
	}
	// The dialer validates again for hosts that were not pinned.
	_, err := d.guard.Resolve(req.Context(), req.URL.Hostname())
	return err
}

// ValidateURL checks the static parts of a webhook URL.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrInsecureScheme, u.Redacted())
	}
	return u, nil
}

// Deliver performs one attempt for job. The attempt number sent is
// job.AttemptCount, which the caller increments beforehand.
func (d *Deliverer) Deliver(ctx context.Context, job *domain.WebhookDeliveryJob) Attempt {
	start := d.clock.Now()
	attempt := d.deliver(ctx, job)
	attempt.Duration = d.clock.Now().Sub(start)
	return attempt
}

func (d *Deliverer) deliver(ctx context.Context, job *domain.WebhookDeliveryJob) Attempt {
	secret, err := d.secrets.Resolve(ctx, job.SecretRef)
	if err != nil {
		return Attempt{Err: err, Terminal: true}
	}

	u, err := ValidateURL(job.WebhookURL)
	if err != nil {
		return Attempt{Err: err, Terminal: true}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	addrs, err := d.guard.Resolve(ctx, u.Hostname())
	if err != nil {
		return classify(err)
	}
	ctx = safehttp.WithPinnedAddrs(ctx, u.Hostname(), addrs)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(job.Payload))
	if err != nil {
		return Attempt{Err: fmt.Errorf("%w: %v", ErrInvalidURL, err), Terminal: true}
	}
	ts := d.clock.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderSignature, Sign(secret, ts, job.Payload))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderID, job.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.AttemptCount))

	resp, err := d.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) Attempt {
	switch {
	case code >= 200 && code < 300:
		return Attempt{StatusCode: code}
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Attempt{StatusCode: code, Err: fmt.Errorf("endpoint returned %d", code)}
	case code >= 300 && code < 400:
		return Attempt{StatusCode: code, Err: fmt.Errorf("%w: unfollowed %d", ErrTooManyRedirects, code), Terminal: true}
	default:
		return Attempt{StatusCode: code, Err: fmt.Errorf("endpoint returned %d", code), Terminal: true}
	}
}

// classify maps a transport error. Validation and certificate failures are
// terminal; everything else (timeouts, refused or reset connections, DNS
// failures) is retried.
func classify(err error) Attempt {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.Is(err, safehttp.ErrDisallowedAddress),
		errors.Is(err, ErrInsecureScheme),
		errors.Is(err, ErrTooManyRedirects),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return Attempt{Err: err, Terminal: true}
	default:
		return Attempt{Err: err}
	}
}
