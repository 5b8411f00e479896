package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/headers"
	"github.com/tjfontaine/resilient-gateway/internal/webhook"
)

type formatStage struct {
	cache      IdempotencyCache
	logger     *slog.Logger
	deferAsync bool
}

// NewFormatStage creates the response formatting stage. deferAsync leaves
// the snapshot of async routes to the enqueue stage.
func NewFormatStage(cache IdempotencyCache, logger *slog.Logger, deferAsync bool) Stage {
	return &formatStage{cache: cache, logger: logger, deferAsync: deferAsync}
}

func (s *formatStage) Name() string { return StageFormatResponse }

func (s *formatStage) Process(ctx context.Context, ex *Exchange) Outcome {
	resp := ex.Response.Clone()
	if resp == nil {
		return fail(domain.ErrInternal("no response to format"))
	}
	headers.StripHopByHop(resp.Header)
	headers.StripInternal(resp.Header)
	ex.Snapshot = resp.Clone()

	// Async results are committed by the enqueue stage once the job exists.
	if ex.HoldsRecord && !(ex.Async && s.deferAsync) {
		commit(ctx, s.cache, s.logger, ex, ex.Snapshot)
	}

	ex.Response = decorate(ex, resp)
	return next()
}

// commit records snapshot as the idempotent result. Only 2xx responses are
// cached; a record left held is released when the run ends.
func commit(ctx context.Context, cache IdempotencyCache, logger *slog.Logger, ex *Exchange, snapshot *domain.Response) {
	if !snapshot.IsSuccess() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := cache.Complete(ctx, ex.RC.Principal.ConsumerID, ex.RC.IdempotencyKey, snapshot); err != nil {
		logger.Error("failed to commit idempotent response",
			slog.String("request_id", ex.RC.RequestID),
			slog.String("consumer_id", ex.RC.Principal.ConsumerID),
			slog.String("error", err.Error()))
		return
	}
	ex.HoldsRecord = false
}

// decorate adds per-request headers to resp.
func decorate(ex *Exchange, resp *domain.Response) *domain.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if ex.RC.RequestID != "" {
		resp.Header.Set(HeaderRequestID, ex.RC.RequestID)
	}
	if ex.Decision != nil {
		setRateLimitHeaders(resp.Header, ex.Decision)
	}
	if ex.Replayed {
		resp.Header.Set(HeaderReplayed, "true")
	}
	return resp
}

// Enqueuer accepts webhook delivery jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.WebhookDeliveryJob) error
}

var _ Enqueuer = (*webhook.Service)(nil)

type enqueueStage struct {
	jobs   Enqueuer
	subs   ports.SubscriptionRegistry
	cache  IdempotencyCache
	clock  clock.Clock
	logger *slog.Logger
}

// NewEnqueueWebhookStage creates the async delivery stage.
func NewEnqueueWebhookStage(jobs Enqueuer, subs ports.SubscriptionRegistry, cache IdempotencyCache, clk clock.Clock, logger *slog.Logger) Stage {
	return &enqueueStage{jobs: jobs, subs: subs, cache: cache, clock: clk, logger: logger}
}

func (s *enqueueStage) Name() string { return StageEnqueueWebhook }

// operationResult is the webhook payload for a finished async operation.
type operationResult struct {
	OperationID string          `json:"operation_id"`
	RequestID   string          `json:"request_id"`
	ConsumerID  string          `json:"consumer_id"`
	Route       string          `json:"route"`
	StatusCode  int             `json:"status_code"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	BodyText    string          `json:"body_text,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

type acceptedBody struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

func (s *enqueueStage) Process(ctx context.Context, ex *Exchange) Outcome {
	if !ex.Async || ex.Replayed || !ex.Snapshot.IsSuccess() {
		return next()
	}

	consumer := ex.RC.Principal.ConsumerID
	sub, ok := s.subs.Subscription(consumer)
	if !ok {
		// No registration: the result was already returned synchronously.
		if ex.HoldsRecord {
			commit(ctx, s.cache, s.logger, ex, ex.Snapshot)
		}
		ex.Async = false
		return next()
	}

	opID := uuid.NewString()
	result := operationResult{
		OperationID: opID,
		RequestID:   ex.RC.RequestID,
		ConsumerID:  consumer,
		Route:       ex.Match.Route.Name,
		StatusCode:  ex.Snapshot.StatusCode,
		ContentType: ex.Snapshot.Header.Get("Content-Type"),
		CompletedAt: s.clock.Now().UTC(),
	}
	if json.Valid(ex.Snapshot.Body) {
		result.Body = ex.Snapshot.Body
	} else if len(ex.Snapshot.Body) > 0 {
		result.BodyText = string(ex.Snapshot.Body)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fail(domain.ErrInternal("failed to encode operation result").WithCause(err))
	}

	job := &domain.WebhookDeliveryJob{
		ConsumerID:  consumer,
		OperationID: opID,
		WebhookURL:  sub.URL,
		Payload:     payload,
		SecretRef:   sub.SecretRef,
	}
	if err := s.jobs.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		return fail(domain.ErrInternal("failed to schedule webhook delivery").WithCause(err))
	}
	ex.OperationID = opID

	body, _ := json.Marshal(acceptedBody{OperationID: opID, Status: "accepted"})
	accepted := &domain.Response{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}
	ex.Snapshot = accepted.Clone()
	if ex.HoldsRecord {
		commit(ctx, s.cache, s.logger, ex, ex.Snapshot)
	}
	ex.Response = decorate(ex, accepted)
	return next()
}
