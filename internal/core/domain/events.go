package domain

import (
	"time"
)

// EventType identifies an audit event emitted by the gateway core.
type EventType string

const (
	EventStageEntered    EventType = "pipeline.stage_entered"
	EventStageCompleted  EventType = "pipeline.stage_completed"
	EventDisposition     EventType = "pipeline.disposition"
	EventBreakerChanged  EventType = "breaker.state_changed"
	EventWebhookAttempt  EventType = "webhook.attempt"
	EventWebhookDead     EventType = "webhook.dead_lettered"
	EventWebhookRejected EventType = "webhook.rejected"
)

// Event is one structured audit record. Delivery is the sink's concern.
type Event struct {
	Type       EventType         `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	ConsumerID string            `json:"consumer_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Code       DispositionCode   `json:"code,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
