// Package direct provides an event sink that writes each event straight to a
// structured logger on the caller's goroutine.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// Sink implements ports.EventSink by logging events.
// This is the default implementation for single-instance deployments.
type Sink struct {
	logger *slog.Logger
	level  slog.Level
}

var _ ports.EventSink = (*Sink)(nil)

// NewSink creates a sink that logs at level.
func NewSink(logger *slog.Logger, level slog.Level) (*Sink, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Sink{logger: logger, level: level}, nil
}

// Emit writes the event as one log record.
func (s *Sink) Emit(ctx context.Context, event domain.Event) {
	attrs := make([]slog.Attr, 0, 8+len(event.Attributes))
	attrs = append(attrs,
		slog.String("event", string(event.Type)),
		slog.Time("timestamp", event.Timestamp),
	)
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.ConsumerID != "" {
		attrs = append(attrs, slog.String("consumer_id", event.ConsumerID))
	}
	if event.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", event.TenantID))
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)))
	}
	if len(event.Attributes) > 0 {
		group := make([]any, 0, len(event.Attributes))
		for k, v := range event.Attributes {
			group = append(group, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("attributes", group...))
	}
	s.logger.LogAttrs(ctx, s.level, "audit event", attrs...)
}

// Close is a no-op for the direct sink.
func (s *Sink) Close() error {
	return nil
}
