package domain

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "IN_FLIGHT"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
)

// IdempotencyRecord deduplicates retried mutating requests for one
// (consumer, key) pair.
type IdempotencyRecord struct {
	ConsumerID string            `json:"consumer_id"`
	Key        string            `json:"key"`
	Status     IdempotencyStatus `json:"status"`
	// Fingerprint identifies the request the key was first used with.
	Fingerprint string    `json:"fingerprint,omitempty"`
	Response    *Response `json:"response,omitempty"`
	// Holder identifies the request that created the record.
	Holder    string    `json:"holder,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
