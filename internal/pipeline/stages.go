package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/backend"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/idempotency"
	"github.com/tjfontaine/resilient-gateway/internal/ratelimit"
	"github.com/tjfontaine/resilient-gateway/internal/router"
)

// IdempotencyCache is the subset of the idempotency cache the pipeline uses.
type IdempotencyCache interface {
	Begin(ctx context.Context, consumerID, key, fingerprint string) (*domain.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, consumerID, key string, resp *domain.Response) error
	Release(ctx context.Context, consumerID, key, holder string) error
}

var _ IdempotencyCache = (*idempotency.Cache)(nil)

// conflictRetryAfter is the hint sent with a duplicate in-flight request.
const conflictRetryAfter = time.Second

type idempotencyStage struct {
	cache IdempotencyCache
}

// NewIdempotencyStage creates the idempotency check stage.
func NewIdempotencyStage(cache IdempotencyCache) Stage {
	return &idempotencyStage{cache: cache}
}

func (s *idempotencyStage) Name() string { return StageIdempotency }

func (s *idempotencyStage) Process(ctx context.Context, ex *Exchange) Outcome {
	req := ex.request()
	key := ex.RC.IdempotencyKey
	if key == "" || !domain.IsMutatingMethod(req.Method) {
		return next()
	}

	consumer := ex.RC.Principal.ConsumerID
	ex.Fingerprint = idempotency.Fingerprint(req)

	rec, created, err := s.cache.Begin(ctx, consumer, key, ex.Fingerprint)
	if err != nil {
		return fail(domain.ErrInternal("idempotency state unavailable").
			WithStatusCode(http.StatusServiceUnavailable).
			WithRetryAfter(conflictRetryAfter).
			WithCause(err))
	}
	if created {
		ex.HoldsRecord = true
		ex.Holder = rec.Holder
		return next()
	}

	if rec.Fingerprint != ex.Fingerprint {
		return fail(domain.ErrValidation("idempotency key was already used with a different request").
			WithStatusCode(http.StatusUnprocessableEntity).
			WithCause(idempotency.ErrKeyReuse))
	}
	if rec.Status == domain.IdempotencyCompleted && rec.Response != nil {
		ex.Replayed = true
		ex.Response = rec.Response.Clone()
		return respond()
	}
	return fail(domain.ErrConflict("a request with this idempotency key is in progress").
		WithRetryAfter(conflictRetryAfter))
}

// Admitter makes rate-limit decisions.
type Admitter interface {
	TryAdmit(ctx context.Context, consumerID, tier string, cost int64) (domain.RateLimitDecision, error)
}

var _ Admitter = (*ratelimit.Limiter)(nil)

type rateLimitStage struct {
	limiter Admitter
	routes  RouteMatcher
	logger  *slog.Logger
}

// NewRateLimitStage creates the admission stage. routes supplies the route
// cost when the request does not carry its own.
func NewRateLimitStage(limiter Admitter, routes RouteMatcher, logger *slog.Logger) Stage {
	return &rateLimitStage{limiter: limiter, routes: routes, logger: logger}
}

func (s *rateLimitStage) Name() string { return StageRateLimit }

// cost is the request's explicit cost, else the matched route's, else 1.
func (s *rateLimitStage) cost(ex *Exchange) int64 {
	if ex.RC.CostUnits > 0 {
		return ex.RC.CostUnits
	}
	if s.routes != nil {
		if m, err := ex.lookupRoute(s.routes); err == nil && m.Route.Cost > 0 {
			return m.Route.Cost
		}
	}
	return 1
}

func (s *rateLimitStage) Process(ctx context.Context, ex *Exchange) Outcome {
	p := ex.RC.Principal
	dec, err := s.limiter.TryAdmit(ctx, p.ConsumerID, p.Tier, s.cost(ex))
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownTier) {
			s.logger.Error("consumer has an unknown rate limit tier",
				slog.String("consumer_id", p.ConsumerID),
				slog.String("tier", p.Tier))
		}
		return fail(domain.ErrInternal("rate limit check failed").WithCause(err))
	}
	ex.Decision = &dec
	if dec.Admitted {
		return next()
	}

	d := domain.ErrRateLimited(rejectMessage(dec.Reason), dec.RetryAfter).
		WithMetadata(HeaderRateLimitLimit, strconv.FormatInt(dec.Limit, 10)).
		WithMetadata(HeaderRateLimitRemaining, strconv.FormatInt(dec.Remaining, 10))
	if !dec.ResetAt.IsZero() {
		d.WithMetadata(HeaderRateLimitReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}
	return fail(d)
}

func rejectMessage(r domain.RejectReason) string {
	switch r {
	case domain.RejectDailyQuotaExhausted:
		return "daily quota exhausted"
	case domain.RejectCostExceedsCapacity:
		return "request cost exceeds burst capacity"
	case domain.RejectContended:
		return "rate limit busy, retry shortly"
	default:
		return "rate limit exceeded"
	}
}

type routeStage struct {
	routes RouteMatcher
}

// NewRouteStage creates the routing stage.
func NewRouteStage(routes RouteMatcher) Stage {
	return &routeStage{routes: routes}
}

func (s *routeStage) Name() string { return StageRoute }

func (s *routeStage) Process(_ context.Context, ex *Exchange) Outcome {
	m, err := ex.lookupRoute(s.routes)
	if err != nil {
		req := ex.request()
		if errors.Is(err, router.ErrNoRoute) {
			return fail(domain.ErrNotFound(fmt.Sprintf("no route for %s %s", req.Method, req.Path)))
		}
		return fail(domain.ErrInternal("routing failed").WithCause(err))
	}
	ex.Async = m.Route.Async
	return next()
}

// BackendExecutor runs a request against a route's targets.
type BackendExecutor interface {
	Execute(ctx context.Context, route *domain.Route, candidates []domain.BackendTarget, req *domain.Request, retry bool) (*backend.Outcome, error)
}

var _ BackendExecutor = (*backend.Executor)(nil)

type executeStage struct {
	exec   BackendExecutor
	routes RouteMatcher
}

// NewExecuteStage creates the backend execution stage.
func NewExecuteStage(exec BackendExecutor, routes RouteMatcher) Stage {
	return &executeStage{exec: exec, routes: routes}
}

func (s *executeStage) Name() string { return StageExecute }

func (s *executeStage) Process(ctx context.Context, ex *Exchange) Outcome {
	req := ex.request()
	route := ex.Match.Route
	retry := domain.IsIdempotentMethod(req.Method) || ex.RC.IdempotencyKey != ""

	out, err := s.exec.Execute(context.WithoutCancel(ctx), route, s.routes.Candidates(route), req, retry)
	if out != nil {
		ex.Target = out.Target.Name
		ex.Attempts = out.Attempts
	}
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrUnavailable):
			return fail(domain.ErrBackendUnavailable("backend temporarily unavailable").WithCause(err))
		case errors.Is(err, backend.ErrTimeout):
			return fail(domain.ErrTimeout("backend did not respond in time").WithCause(err))
		case errors.Is(err, backend.ErrRetriesExhausted):
			d := domain.ErrBackendUnavailable("backend failed").WithCause(err)
			if out != nil && out.Response != nil {
				d.WithStatusCode(out.Response.StatusCode)
			} else {
				d.WithStatusCode(http.StatusBadGateway)
			}
			return fail(d)
		default:
			return fail(domain.ErrInternal("backend call failed").WithCause(err))
		}
	}
	ex.Response = out.Response
	return next()
}
