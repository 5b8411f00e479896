package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// ErrStoreContention is returned when an optimistic mutation kept losing
// races and gave up.
var ErrStoreContention = errors.New("coordination store: too much contention")

// Mutation describes the write a MutateFunc wants applied. A nil *Mutation
// leaves the record untouched.
type Mutation struct {
	Value []byte
	// TTL is the record lifetime from now. Zero means no expiry.
	TTL    time.Duration
	Delete bool
}

// MutateFunc computes the next value of a record from its current value.
// It may be invoked more than once when the store retries optimistically,
// so it must be free of side effects beyond its return values.
type MutateFunc func(current []byte, found bool) (*Mutation, error)

// CoordinationStore is the shared, network-reachable key/value store used for
// cross-instance rate-limit and idempotency state. Every enforcement decision
// goes through Mutate, which is atomic with respect to all other mutations of
// the same key on every gateway instance.
// Implementations: in-process map (tests, single instance), Redis, DynamoDB.
type CoordinationStore interface {
	// Mutate atomically reads key, calls fn, and applies the returned mutation.
	// Errors returned by fn are passed back unchanged.
	Mutate(ctx context.Context, key string, fn MutateFunc) error

	// Get is an unguarded read for advisory and monitoring use only.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Close() error
}

// ErrJobNotFound is returned when a webhook job does not exist.
var ErrJobNotFound = errors.New("webhook job not found")

// JobFilter selects webhook jobs for listing.
type JobFilter struct {
	Status     domain.JobStatus
	ConsumerID string
	Limit      int
}

// JobStore persists webhook delivery jobs.
// Implementations: in-memory, SQL (SQLite default).
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.WebhookDeliveryJob) error
	GetJob(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error)
	UpdateJob(ctx context.Context, job *domain.WebhookDeliveryJob) error

	// ClaimDueJobs leases up to limit PENDING jobs whose next attempt is due
	// at now and whose lease has lapsed. A claimed job is invisible to other
	// claimers until now+lease.
	ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookDeliveryJob, error)

	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.WebhookDeliveryJob, error)

	// PurgeJobs deletes jobs in status last updated before the cutoff.
	PurgeJobs(ctx context.Context, status domain.JobStatus, before time.Time) (int64, error)

	Close() error
}

// BucketTake is one token bucket admission step. Times are Unix
// milliseconds.
type BucketTake struct {
	BurstCapacity float64
	RefillRate    float64
	// DailyQuota of zero means unlimited.
	DailyQuota   int64
	Cost         int64
	NowMillis    int64
	Day          string
	DayEndMillis int64
}

// BucketStore is implemented by coordination stores that run the token
// bucket step server-side as a single atomic operation instead of an
// optimistic Mutate. The returned record is the bucket after the step, in
// the JSON layout {"tokens","last_refill_ms","daily_used","day"} the rate
// limiter also writes through Mutate.
type BucketStore interface {
	TakeTokens(ctx context.Context, key string, take BucketTake) (record []byte, admitted bool, err error)
}
