package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/breaker"
	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

var (
	// ErrUnavailable is returned when every candidate's breaker rejects the
	// call. It wraps breaker.ErrOpen.
	ErrUnavailable = fmt.Errorf("all backend targets unavailable: %w", breaker.ErrOpen)
	// ErrTimeout is returned when the final attempt timed out.
	ErrTimeout = errors.New("backend timed out")
	// ErrRetriesExhausted is returned when every attempt ended in a
	// retryable failure.
	ErrRetriesExhausted = errors.New("backend retries exhausted")
)

// ExecutorConfig controls attempt timeouts and backoff.
type ExecutorConfig struct {
	// DefaultTimeout applies to routes without their own timeout.
	DefaultTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// Outcome describes a finished execution.
type Outcome struct {
	Response *domain.Response
	Target   domain.BackendTarget
	Attempts int
}

// Executor runs a request against a route's candidates.
type Executor struct {
	backend  ports.Backend
	breakers *breaker.Registry
	clock    clock.Clock
	logger   *slog.Logger
	cfg      ExecutorConfig
	jitter   func(n int64) int64
}

// NewExecutor creates an executor.
func NewExecutor(backend ports.Backend, breakers *breaker.Registry, cfg ExecutorConfig, clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &Executor{
		backend:  backend,
		breakers: breakers,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		jitter:   rand.Int64N,
	}
}

// Breakers returns the breaker registry.
func (e *Executor) Breakers() *breaker.Registry {
	return e.breakers
}

// backoff returns a full-jitter delay for the given retry number (1-based).
func (e *Executor) backoff(retry int) time.Duration {
	ceiling := e.cfg.BaseBackoff << (retry - 1)
	if ceiling <= 0 || ceiling > e.cfg.MaxBackoff {
		ceiling = e.cfg.MaxBackoff
	}
	return time.Duration(e.jitter(int64(ceiling) + 1))
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// pick returns the first candidate whose breaker admits the call.
func (e *Executor) pick(candidates []domain.BackendTarget) (domain.BackendTarget, *breaker.Permit, bool) {
	for _, t := range candidates {
		permit, err := e.breakers.Get(t.Name).Allow()
		if err == nil {
			return t, permit, true
		}
	}
	return domain.BackendTarget{}, nil, false
}

// invoke runs one attempt. A panic in the backend is reported to the breaker
// as a failure before it propagates, so a HALF_OPEN probe slot is released.
func (e *Executor) invoke(ctx context.Context, timeout time.Duration, target domain.BackendTarget, permit *breaker.Permit, req *domain.Request) (*domain.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			permit.Failure()
			panic(r)
		}
	}()
	return e.backend.Invoke(ctx, target, req)
}

// Execute invokes the route. retry reports whether the request may be sent
// more than once. A backend response that is not retryable is returned as is,
// whatever its status.
func (e *Executor) Execute(ctx context.Context, route *domain.Route, candidates []domain.BackendTarget, req *domain.Request, retry bool) (*Outcome, error) {
	attempts := 1
	if retry && route.MaxRetries > 0 {
		attempts += route.MaxRetries
	}
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	out := &Outcome{}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := e.clock.Sleep(ctx, e.backoff(i)); err != nil {
				return out, err
			}
		}

		target, permit, ok := e.pick(candidates)
		if !ok {
			if lastErr != nil {
				break
			}
			return out, ErrUnavailable
		}
		out.Target = target
		out.Attempts++

		resp, err := e.invoke(ctx, timeout, target, permit, req)

		if err != nil {
			permit.Failure()
			if isTimeout(err) {
				lastErr = fmt.Errorf("%w: %s after %s", ErrTimeout, target.Name, timeout)
			} else {
				lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			}
			out.Response = nil
			e.logger.Debug("backend attempt failed",
				slog.String("route", route.Name),
				slog.String("target", target.Name),
				slog.Int("attempt", out.Attempts),
				slog.String("error", err.Error()))
			continue
		}

		if resp.StatusCode >= 500 {
			permit.Failure()
		} else {
			permit.Success()
		}

		out.Response = resp
		if !retryableStatus(resp.StatusCode) {
			return out, nil
		}
		lastErr = fmt.Errorf("%w: %s returned %d", ErrRetriesExhausted, target.Name, resp.StatusCode)
		e.logger.Debug("backend attempt failed",
			slog.String("route", route.Name),
			slog.String("target", target.Name),
			slog.Int("attempt", out.Attempts),
			slog.Int("status", resp.StatusCode))
	}

	return out, lastErr
}
