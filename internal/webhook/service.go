// Package webhook delivers asynchronous operation results to consumer
// endpoints: signed HTTPS POSTs through an SSRF-guarded transport, retried
// on a fixed schedule and dead-lettered when the budget runs out.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// ErrNotDeadLettered is returned when redelivering a job that is not parked.
var ErrNotDeadLettered = errors.New("webhook job is not dead-lettered")

// Service is the entry point for enqueuing jobs and for operator actions.
type Service struct {
	store  ports.JobStore
	events ports.EventSink
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a Service. events may be nil.
func NewService(store ports.JobStore, events ports.EventSink, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, events: events, clock: clk, logger: logger}
}

// Enqueue persists job as PENDING and due immediately. Missing identity and
// budget fields are filled in. A job whose URL is statically invalid is
// stored dead-lettered so it stays visible to operators.
func (s *Service) Enqueue(ctx context.Context, job *domain.WebhookDeliveryJob) error {
	now := s.clock.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = domain.DefaultMaxAttempts
	}
	job.AttemptCount = 0
	job.Status = domain.JobPending
	job.NextAttemptAt = now.Add(delayBefore(DefaultSchedule, 1))
	job.CreatedAt = now
	job.UpdatedAt = now

	if _, err := ValidateURL(job.WebhookURL); err != nil {
		job.MarkDeadLettered(now, 0, err.Error())
		s.logger.Warn("webhook rejected at enqueue",
			slog.String("job_id", job.ID),
			slog.String("consumer_id", job.ConsumerID),
			slog.String("error", err.Error()),
		)
		emit(ctx, s.events, domain.EventWebhookRejected, job, now, err)
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue webhook job: %w", err)
	}
	return nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ports.JobFilter) ([]*domain.WebhookDeliveryJob, error) {
	return s.store.ListJobs(ctx, filter)
}

// Redeliver returns a dead-lettered job to PENDING with a fresh attempt
// budget.
func (s *Service) Redeliver(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobDeadLettered {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, job.Status)
	}
	job.Requeue(s.clock.Now())
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("webhook job requeued", slog.String("job_id", id))
	return job, nil
}

func emit(ctx context.Context, sink ports.EventSink, typ domain.EventType, job *domain.WebhookDeliveryJob, now time.Time, err error) {
	if sink == nil {
		return
	}
	attrs := map[string]string{
		"job_id":       job.ID,
		"operation_id": job.OperationID,
		"attempt":      fmt.Sprint(job.AttemptCount),
		"status":       string(job.Status),
	}
	if job.LastStatus != 0 {
		attrs["status_code"] = fmt.Sprint(job.LastStatus)
	}
	if err != nil {
		attrs["error"] = err.Error()
	}
	sink.Emit(ctx, domain.Event{
		Type:       typ,
		ConsumerID: job.ConsumerID,
		Timestamp:  now,
		Attributes: attrs,
	})
}
