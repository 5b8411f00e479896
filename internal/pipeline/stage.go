package pipeline

import (
	"context"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/router"
)

// Stage names, in execution order.
const (
	StageValidate       = "validate"
	StageIdempotency    = "idempotency"
	StageRateLimit      = "rate_limit"
	StageRoute          = "route"
	StageExecute        = "execute"
	StageFormatResponse = "format_response"
	StageEnqueueWebhook = "enqueue_webhook"
)

// Action is what the orchestrator does after a stage.
type Action int

const (
	// Continue runs the next stage.
	Continue Action = iota
	// Respond skips to format_response with the exchange's response.
	Respond
	// Fail ends the run with a disposition.
	Fail
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Respond:
		return "respond"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome is a stage result.
type Outcome struct {
	Action      Action
	Disposition *domain.Disposition
}

func next() Outcome { return Outcome{Action: Continue} }

func respond() Outcome { return Outcome{Action: Respond} }

func fail(d *domain.Disposition) Outcome { return Outcome{Action: Fail, Disposition: d} }

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, ex *Exchange) Outcome
}

// Exchange is the per-request working state passed between stages. The
// RequestContext itself is never modified.
type Exchange struct {
	RC *domain.RequestContext

	// Request is the validated canonical copy of RC.Request.
	Request *domain.Request

	Match       *domain.RouteMatch
	matchErr    error
	matchLooked bool

	Fingerprint string
	// HoldsRecord is set while this request owns an IN_FLIGHT idempotency
	// record that has not been completed.
	HoldsRecord bool
	Holder      string
	Replayed    bool

	Decision *domain.RateLimitDecision

	// Response is the caller-visible response; Snapshot is the same response
	// before per-request headers were added.
	Response *domain.Response
	Snapshot *domain.Response

	Target      string
	Attempts    int
	Async       bool
	OperationID string
}

func newExchange(rc *domain.RequestContext) *Exchange {
	return &Exchange{RC: rc}
}

// request returns the canonical request, or the raw one before validation.
func (ex *Exchange) request() *domain.Request {
	if ex.Request != nil {
		return ex.Request
	}
	return &ex.RC.Request
}

// lookupRoute matches once per exchange; later callers reuse the result.
func (ex *Exchange) lookupRoute(r RouteMatcher) (*domain.RouteMatch, error) {
	if !ex.matchLooked {
		req := ex.request()
		ex.Match, ex.matchErr = r.Match(req.Method, req.Path, req.Version)
		ex.matchLooked = true
	}
	return ex.Match, ex.matchErr
}

// RouteMatcher resolves routes and orders their targets.
type RouteMatcher interface {
	Match(method, path, version string) (*domain.RouteMatch, error)
	Candidates(route *domain.Route) []domain.BackendTarget
}

var _ RouteMatcher = (*router.Router)(nil)
