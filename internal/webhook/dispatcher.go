package webhook

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// DispatcherConfig tunes the delivery loop. Zero values take defaults; a
// negative retention keeps jobs in that status forever.
type DispatcherConfig struct {
	PollInterval        time.Duration
	BatchSize           int
	Workers             int
	Lease               time.Duration
	Schedule            []time.Duration
	DeliveredRetention  time.Duration
	DeadLetterRetention time.Duration
	PurgeInterval       time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if len(c.Schedule) == 0 {
		c.Schedule = DefaultSchedule
	}
	if c.DeliveredRetention == 0 {
		c.DeliveredRetention = 24 * time.Hour
	}
	if c.DeadLetterRetention == 0 {
		c.DeadLetterRetention = 7 * 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	return c
}

// TickResult counts what one dispatch pass did.
type TickResult struct {
	Claimed      int
	Delivered    int
	Retrying     int
	DeadLettered int
}

// Dispatcher claims due jobs and delivers them with a bounded worker pool.
type Dispatcher struct {
	store  ports.JobStore
	sender Sender
	events ports.EventSink
	cfg    DispatcherConfig
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a Dispatcher. events may be nil.
func NewDispatcher(store ports.JobStore, sender Sender, events ports.EventSink, cfg DispatcherConfig, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		events: events,
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer("github.com/tjfontaine/resilient-gateway/internal/webhook"),
	}
}

// Run polls until ctx is done. Attempts already in flight finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("webhook dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("workers", d.cfg.Workers),
	)

	lastPurge := d.clock.Now()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("webhook dispatch failed", slog.String("error", err.Error()))
		}
		if now := d.clock.Now(); now.Sub(lastPurge) >= d.cfg.PurgeInterval {
			if _, err := d.Purge(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("webhook purge failed", slog.String("error", err.Error()))
			}
			lastPurge = now
		}

		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due jobs and attempts each of them.
func (d *Dispatcher) RunOnce(ctx context.Context) (TickResult, error) {
	jobs, err := d.store.ClaimDueJobs(ctx, d.clock.Now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return TickResult{}, err
	}

	var delivered, retrying, dead atomic.Int64
	attemptCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			switch d.process(attemptCtx, job) {
			case domain.JobDelivered:
				delivered.Add(1)
			case domain.JobDeadLettered:
				dead.Add(1)
			default:
				retrying.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	return TickResult{
		Claimed:      len(jobs),
		Delivered:    int(delivered.Load()),
		Retrying:     int(retrying.Load()),
		DeadLettered: int(dead.Load()),
	}, nil
}

func (d *Dispatcher) process(ctx context.Context, job *domain.WebhookDeliveryJob) domain.JobStatus {
	if job.AttemptCount >= job.MaxAttempts {
		now := d.clock.Now()
		job.MarkDeadLettered(now, job.LastStatus, "attempt budget exhausted")
		d.save(ctx, job)
		emit(ctx, d.events, domain.EventWebhookDead, job, now, nil)
		return job.Status
	}

	job.AttemptCount++
	ctx, span := d.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("webhook.job_id", job.ID),
		attribute.String("webhook.consumer_id", job.ConsumerID),
		attribute.Int("webhook.attempt", job.AttemptCount),
	))
	attempt := d.sender.Deliver(ctx, job)
	if attempt.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", attempt.StatusCode))
	}
	if attempt.Err != nil {
		span.RecordError(attempt.Err)
		span.SetStatus(codes.Error, attempt.Err.Error())
	}
	span.End()

	now := d.clock.Now()
	var errMsg string
	if attempt.Err != nil {
		errMsg = attempt.Err.Error()
	}

	switch {
	case attempt.Delivered():
		job.MarkDelivered(now, attempt.StatusCode)
	case attempt.Terminal || job.AttemptCount >= job.MaxAttempts:
		job.MarkDeadLettered(now, attempt.StatusCode, errMsg)
	default:
		next := now.Add(delayBefore(d.cfg.Schedule, job.AttemptCount+1))
		job.MarkRetrying(now, next, attempt.StatusCode, errMsg)
	}
	d.save(ctx, job)

	emit(ctx, d.events, domain.EventWebhookAttempt, job, now, attempt.Err)
	if attempt.Rejected() {
		emit(ctx, d.events, domain.EventWebhookRejected, job, now, attempt.Err)
	}

	logAttrs := []any{
		slog.String("job_id", job.ID),
		slog.String("consumer_id", job.ConsumerID),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("status_code", attempt.StatusCode),
		slog.Duration("duration", attempt.Duration),
	}
	switch job.Status {
	case domain.JobDeadLettered:
		d.logger.Warn("webhook dead-lettered", append(logAttrs, slog.String("error", errMsg))...)
		emit(ctx, d.events, domain.EventWebhookDead, job, now, attempt.Err)
	case domain.JobPending:
		d.logger.Info("webhook attempt failed",
			append(logAttrs, slog.String("error", errMsg), slog.Time("next_attempt_at", job.NextAttemptAt))...)
	default:
		d.logger.Debug("webhook delivered", logAttrs...)
	}
	return job.Status
}

// save persists job. A failed write leaves the lease in place, so the job
// is retried once the lease lapses.
func (d *Dispatcher) save(ctx context.Context, job *domain.WebhookDeliveryJob) {
	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.logger.Error("failed to persist webhook job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Purge removes delivered and dead-lettered jobs past their retention.
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	var total int64
	for status, retention := range map[domain.JobStatus]time.Duration{
		domain.JobDelivered:    d.cfg.DeliveredRetention,
		domain.JobDeadLettered: d.cfg.DeadLetterRetention,
	} {
		if retention < 0 {
			continue
		}
		n, err := d.store.PurgeJobs(ctx, status, now.Add(-retention))
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		d.logger.Info("purged webhook jobs", slog.Int64("count", total))
	}
	return total, nil
}
