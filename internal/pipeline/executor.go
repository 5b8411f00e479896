package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// Result is the outcome of one pipeline run.
type Result struct {
	// Response is always set, including for failures.
	Response *domain.Response
	// Disposition is nil on success.
	Disposition *domain.Disposition

	Replayed    bool
	Degraded    bool
	Async       bool
	OperationID string
	Target      string
	Attempts    int
}

// Orchestrator runs the stages for each request.
// It executes them strictly in order and stops at the first failure.
type Orchestrator struct {
	stages    []Stage
	formatIdx int
	releaser  IdempotencyCache
	events    ports.EventSink
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	entered map[string]*atomic.Int64
}

// OrchestratorConfig wires an orchestrator.
type OrchestratorConfig struct {
	Stages []Stage
	// Idempotency releases records held by failed requests. May be nil when
	// no stage creates records.
	Idempotency IdempotencyCache
	Events      ports.EventSink
	Clock       clock.Clock
	Logger      *slog.Logger
}

// NewOrchestrator creates an orchestrator from configuration.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		stages:    cfg.Stages,
		formatIdx: -1,
		releaser:  cfg.Idempotency,
		events:    cfg.Events,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("github.com/tjfontaine/resilient-gateway/internal/pipeline"),
		entered:   make(map[string]*atomic.Int64, len(cfg.Stages)),
	}
	for i, s := range cfg.Stages {
		if s.Name() == StageFormatResponse {
			o.formatIdx = i
		}
		o.entered[s.Name()] = &atomic.Int64{}
	}
	return o
}

// StageEntries returns how many times the named stage was entered.
func (o *Orchestrator) StageEntries(name string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.entered[name]; ok {
		return c.Load()
	}
	return 0
}

// Process runs rc through the pipeline.
func (o *Orchestrator) Process(ctx context.Context, rc *domain.RequestContext) *Result {
	ctx, span := o.tracer.Start(ctx, "gateway.pipeline", trace.WithAttributes(
		attribute.String("gateway.request_id", rc.RequestID),
		attribute.String("gateway.consumer_id", rc.Principal.ConsumerID),
		attribute.String("http.request.method", rc.Request.Method),
	))
	defer span.End()

	ex := newExchange(rc)
	d := o.run(ctx, ex)

	if ex.HoldsRecord && o.releaser != nil {
		rctx := context.WithoutCancel(ctx)
		if err := o.releaser.Release(rctx, rc.Principal.ConsumerID, rc.IdempotencyKey, ex.Holder); err != nil {
			o.logger.Error("failed to release idempotency record",
				slog.String("request_id", rc.RequestID),
				slog.String("error", err.Error()))
		}
		ex.HoldsRecord = false
	}

	res := &Result{
		Replayed:    ex.Replayed,
		Degraded:    ex.Decision != nil && ex.Decision.Degraded,
		Async:       ex.OperationID != "",
		OperationID: ex.OperationID,
		Target:      ex.Target,
		Attempts:    ex.Attempts,
	}
	if d != nil {
		res.Disposition = d
		res.Response = RenderDisposition(rc.RequestID, d)
		span.SetStatus(codes.Error, string(d.Code))
		o.emit(ctx, rc, domain.EventDisposition, d.Stage, d.Code, map[string]string{
			"status": fmt.Sprint(d.HTTPStatusCode()),
		})
		o.logDisposition(rc, d)
		return res
	}
	res.Response = ex.Response
	span.SetAttributes(attribute.Int("http.response.status_code", ex.Response.StatusCode))
	return res
}

func (o *Orchestrator) run(ctx context.Context, ex *Exchange) *domain.Disposition {
	for i := 0; i < len(o.stages); i++ {
		stage := o.stages[i]

		// Nothing is started for a caller that already left.
		if stage.Name() != StageFormatResponse && stage.Name() != StageEnqueueWebhook && ctx.Err() != nil {
			return domain.ErrInternal("request cancelled").
				WithStatusCode(499).
				WithCause(ctx.Err()).
				WithStage(stage.Name())
		}

		out := o.runStage(ctx, stage, ex)
		switch out.Action {
		case Fail:
			d := out.Disposition
			if d == nil {
				d = domain.ErrInternal("stage failed without a disposition")
			}
			return d.WithStage(stage.Name())
		case Respond:
			if o.formatIdx > i {
				if out := o.runStage(ctx, o.stages[o.formatIdx], ex); out.Action == Fail {
					return out.Disposition.WithStage(StageFormatResponse)
				}
			}
			return nil
		}
	}
	if ex.Response == nil {
		return domain.ErrInternal("pipeline produced no response")
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, ex *Exchange) (out Outcome) {
	name := stage.Name()
	o.counter(name).Add(1)
	o.emit(ctx, ex.RC, domain.EventStageEntered, name, "", nil)

	ctx, span := o.tracer.Start(ctx, "pipeline."+name)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline stage panicked",
				slog.String("stage", name),
				slog.String("request_id", ex.RC.RequestID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out = fail(domain.ErrInternal("internal error").WithCause(fmt.Errorf("panic in %s: %v", name, r)))
		}
		if out.Action == Fail {
			span.SetStatus(codes.Error, "failed")
		}
		span.SetAttributes(attribute.String("pipeline.action", out.Action.String()))
		span.End()
		o.emit(ctx, ex.RC, domain.EventStageCompleted, name, "", map[string]string{
			"action": out.Action.String(),
		})
	}()

	return stage.Process(ctx, ex)
}

func (o *Orchestrator) counter(name string) *atomic.Int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.entered[name]
	if !ok {
		c = &atomic.Int64{}
		o.entered[name] = c
	}
	return c
}

func (o *Orchestrator) emit(ctx context.Context, rc *domain.RequestContext, typ domain.EventType, stage string, code domain.DispositionCode, attrs map[string]string) {
	if o.events == nil {
		return
	}
	o.events.Emit(ctx, domain.Event{
		Type:       typ,
		RequestID:  rc.RequestID,
		ConsumerID: rc.Principal.ConsumerID,
		TenantID:   rc.Principal.TenantID,
		Stage:      stage,
		Code:       code,
		Timestamp:  o.clock.Now(),
		Attributes: attrs,
	})
}

func (o *Orchestrator) logDisposition(rc *domain.RequestContext, d *domain.Disposition) {
	attrs := []any{
		slog.String("request_id", rc.RequestID),
		slog.String("consumer_id", rc.Principal.ConsumerID),
		slog.String("stage", d.Stage),
		slog.String("code", string(d.Code)),
		slog.Int("status", d.HTTPStatusCode()),
	}
	if d.Cause != nil {
		attrs = append(attrs, slog.String("error", d.Cause.Error()))
	}
	if d.Code == domain.CodeInternal {
		o.logger.Error("request failed", attrs...)
		return
	}
	o.logger.Debug("request rejected", attrs...)
}
