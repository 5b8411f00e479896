package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a webhook delivery job.
//
// State machine:
//
//	[PENDING] ---(2xx)---> [DELIVERED]
//	[PENDING] ---(retryable failure, attempts left)---> [PENDING] (next_attempt_at pushed out)
//	[PENDING] ---(terminal failure or attempts exhausted)---> [DEAD_LETTERED]
//	[DEAD_LETTERED] ---(operator redeliver)---> [PENDING]
type JobStatus string

const (
	JobPending      JobStatus = "PENDING"
	JobDelivered    JobStatus = "DELIVERED"
	JobDeadLettered JobStatus = "DEAD_LETTERED"
)

// DefaultMaxAttempts is the delivery attempt cap per job.
const DefaultMaxAttempts = 5

// WebhookDeliveryJob is one pending push of an async-operation result.
type WebhookDeliveryJob struct {
	ID            string          `json:"job_id"`
	ConsumerID    string          `json:"consumer_id"`
	OperationID   string          `json:"operation_id"`
	WebhookURL    string          `json:"webhook_url"`
	Payload       json.RawMessage `json:"payload"`
	SecretRef     string          `json:"hmac_secret_ref"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        JobStatus       `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	LastStatus    int             `json:"last_status_code,omitempty"`
	LeaseUntil    time.Time       `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	DeadAt        *time.Time      `json:"dead_lettered_at,omitempty"`
}

// CanRetry reports whether another attempt is allowed.
func (j *WebhookDeliveryJob) CanRetry() bool {
	return j.Status == JobPending && j.AttemptCount < j.MaxAttempts
}

// MarkDelivered records a successful delivery.
func (j *WebhookDeliveryJob) MarkDelivered(now time.Time, status int) {
	j.Status = JobDelivered
	j.LastStatus = status
	j.LastError = ""
	j.DeliveredAt = &now
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
}

// MarkRetrying schedules the next attempt.
func (j *WebhookDeliveryJob) MarkRetrying(now, next time.Time, status int, lastError string) {
	j.Status = JobPending
	j.NextAttemptAt = next
	j.LastStatus = status
	j.LastError = lastError
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
}

// MarkDeadLettered parks the job for operator review.
func (j *WebhookDeliveryJob) MarkDeadLettered(now time.Time, status int, lastError string) {
	j.Status = JobDeadLettered
	j.LastStatus = status
	j.LastError = lastError
	j.DeadAt = &now
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
}

// Requeue returns a dead-lettered job to PENDING with a fresh attempt budget.
// Only operators call this.
func (j *WebhookDeliveryJob) Requeue(now time.Time) {
	j.Status = JobPending
	j.AttemptCount = 0
	j.NextAttemptAt = now
	j.DeadAt = nil
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
}
