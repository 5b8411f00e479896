package pipeline

import (
	"errors"
	"log/slog"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// Dependencies are the collaborators of the standard stage list.
type Dependencies struct {
	Idempotency   IdempotencyCache
	Limiter       Admitter
	Routes        RouteMatcher
	Backends      BackendExecutor
	Webhooks      Enqueuer
	Subscriptions ports.SubscriptionRegistry
	Events        ports.EventSink
	Clock         clock.Clock
	Logger        *slog.Logger
}

// NewDefault creates an orchestrator running the standard stages in order.
func NewDefault(deps Dependencies, validate ValidateConfig) (*Orchestrator, error) {
	switch {
	case deps.Idempotency == nil:
		return nil, errors.New("pipeline: idempotency cache required")
	case deps.Limiter == nil:
		return nil, errors.New("pipeline: rate limiter required")
	case deps.Routes == nil:
		return nil, errors.New("pipeline: router required")
	case deps.Backends == nil:
		return nil, errors.New("pipeline: backend executor required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	async := deps.Webhooks != nil && deps.Subscriptions != nil
	stages := []Stage{
		NewValidateStage(validate),
		NewIdempotencyStage(deps.Idempotency),
		NewRateLimitStage(deps.Limiter, deps.Routes, deps.Logger),
		NewRouteStage(deps.Routes),
		NewExecuteStage(deps.Backends, deps.Routes),
		NewFormatStage(deps.Idempotency, deps.Logger, async),
	}
	if async {
		stages = append(stages, NewEnqueueWebhookStage(deps.Webhooks, deps.Subscriptions, deps.Idempotency, deps.Clock, deps.Logger))
	}

	return NewOrchestrator(OrchestratorConfig{
		Stages:      stages,
		Idempotency: deps.Idempotency,
		Events:      deps.Events,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	}), nil
}
