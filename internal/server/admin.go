package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/resilient-gateway/internal/breaker"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/ratelimit"
	"github.com/tjfontaine/resilient-gateway/internal/webhook"
)

const maxListLimit = 500

// JobAdmin exposes webhook jobs to operators.
type JobAdmin interface {
	Get(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error)
	List(ctx context.Context, filter ports.JobFilter) ([]*domain.WebhookDeliveryJob, error)
	Redeliver(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error)
}

// BreakerSnapshotter reports circuit breaker state.
type BreakerSnapshotter interface {
	Snapshots() []domain.BreakerSnapshot
}

// BucketPeeker reads rate-limit buckets without consuming tokens.
type BucketPeeker interface {
	Peek(ctx context.Context, consumerID, tierName string) (domain.RateLimitState, domain.RateLimitDecision, error)
}

var (
	_ JobAdmin           = (*webhook.Service)(nil)
	_ BreakerSnapshotter = (*breaker.Registry)(nil)
	_ BucketPeeker       = (*ratelimit.Limiter)(nil)
)

// AdminHandler serves the operator API.
type AdminHandler struct {
	jobs     JobAdmin
	breakers BreakerSnapshotter
	limiter  BucketPeeker
	logger   *slog.Logger
}

// NewAdminHandler creates the admin API. Nil collaborators disable their
// endpoints.
func NewAdminHandler(jobs JobAdmin, breakers BreakerSnapshotter, limiter BucketPeeker, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{jobs: jobs, breakers: breakers, limiter: limiter, logger: logger}
}

// Routes returns the admin router.
func (a *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	if a.jobs != nil {
		r.Get("/webhooks", a.listJobs)
		r.Get("/webhooks/{id}", a.getJob)
		r.Post("/webhooks/{id}/redeliver", a.redeliver)
	}
	if a.breakers != nil {
		r.Get("/breakers", a.listBreakers)
	}
	if a.limiter != nil {
		r.Get("/ratelimit/{consumer}/{tier}", a.peekBucket)
	}
	return r
}

type jobList struct {
	Jobs []*domain.WebhookDeliveryJob `json:"jobs"`
}

func (a *AdminHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ports.JobFilter{
		Status:     domain.JobStatus(q.Get("status")),
		ConsumerID: q.Get("consumer_id"),
		Limit:      100,
	}
	switch filter.Status {
	case "", domain.JobPending, domain.JobDelivered, domain.JobDeadLettered:
	default:
		a.fail(w, r, domain.ErrValidation("unknown status "+strconv.Quote(string(filter.Status))))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			a.fail(w, r, domain.ErrValidation("limit must be between 1 and "+strconv.Itoa(maxListLimit)))
			return
		}
		filter.Limit = n
	}

	jobs, err := a.jobs.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, a.jobError(err))
		return
	}
	if jobs == nil {
		jobs = []*domain.WebhookDeliveryJob{}
	}
	writeJSON(w, http.StatusOK, jobList{Jobs: jobs})
}

func (a *AdminHandler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, a.jobError(err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *AdminHandler) redeliver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.jobs.Redeliver(r.Context(), id)
	if err != nil {
		a.fail(w, r, a.jobError(err))
		return
	}
	a.logger.Info("webhook job requeued by operator",
		slog.String("job_id", id),
		slog.String("request_id", GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, job)
}

type breakerList struct {
	Breakers []domain.BreakerSnapshot `json:"breakers"`
}

func (a *AdminHandler) listBreakers(w http.ResponseWriter, _ *http.Request) {
	snaps := a.breakers.Snapshots()
	if snaps == nil {
		snaps = []domain.BreakerSnapshot{}
	}
	writeJSON(w, http.StatusOK, breakerList{Breakers: snaps})
}

type bucketView struct {
	ConsumerID string                   `json:"consumer_id"`
	Tier       string                   `json:"tier"`
	State      domain.RateLimitState    `json:"state"`
	Decision   domain.RateLimitDecision `json:"decision"`
}

func (a *AdminHandler) peekBucket(w http.ResponseWriter, r *http.Request) {
	consumer, tier := chi.URLParam(r, "consumer"), chi.URLParam(r, "tier")
	st, dec, err := a.limiter.Peek(r.Context(), consumer, tier)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownTier) {
			a.fail(w, r, domain.ErrNotFound("unknown tier"))
			return
		}
		a.fail(w, r, domain.ErrBackendUnavailable("coordination store unavailable").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, bucketView{ConsumerID: consumer, Tier: tier, State: st, Decision: dec})
}

func (a *AdminHandler) jobError(err error) *domain.Disposition {
	switch {
	case errors.Is(err, ports.ErrJobNotFound):
		return domain.ErrNotFound("webhook job not found")
	case errors.Is(err, webhook.ErrNotDeadLettered):
		return domain.ErrConflict("only dead-lettered jobs can be redelivered")
	default:
		return domain.ErrInternal("job store error").WithCause(err)
	}
}

func (a *AdminHandler) fail(w http.ResponseWriter, r *http.Request, d *domain.Disposition) {
	if d.Cause != nil {
		AddError(r.Context(), d.Cause)
		a.logger.Error("admin request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", d.Cause.Error()))
	}
	writeDisposition(w, GetRequestID(r.Context()), d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
