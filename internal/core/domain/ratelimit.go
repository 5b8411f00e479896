package domain

import "time"

// Tier holds the token bucket parameters for a rate-limit tier. Burst
// capacity and refill rate are independent.
type Tier struct {
	Name string `json:"name"`
	// BurstCapacity is the maximum number of tokens the bucket holds.
	BurstCapacity float64 `json:"burst_capacity"`
	// RefillRate is the number of tokens added per second.
	RefillRate float64 `json:"refill_rate"`
	// DailyQuota caps cost units per UTC day. Zero means unlimited.
	DailyQuota int64 `json:"daily_quota"`
}

// RateLimitState is the persisted bucket for one (consumer, tier) pair.
type RateLimitState struct {
	TokensRemaining float64   `json:"tokens_remaining"`
	LastRefillAt    time.Time `json:"last_refill_at"`
	DailyUsed       int64     `json:"daily_used"`
	// Day is the UTC date (YYYY-MM-DD) DailyUsed belongs to.
	Day string `json:"day"`
}

// RejectReason explains a rate-limit rejection.
type RejectReason string

const (
	RejectBurstExhausted      RejectReason = "burst_exhausted"
	RejectDailyQuotaExhausted RejectReason = "daily_quota_exhausted"
	RejectCostExceedsCapacity RejectReason = "cost_exceeds_capacity"
	// RejectContended means the shared bucket was reachable but too many
	// concurrent writers kept the decision from committing in time.
	RejectContended RejectReason = "contended"
)

// RateLimitDecision is the outcome of an admission check.
type RateLimitDecision struct {
	Admitted bool
	Reason   RejectReason
	// Limit is the tier burst capacity.
	Limit int64
	// Remaining is the whole number of tokens left after this decision.
	Remaining int64
	// DailyRemaining is -1 when the tier has no daily quota.
	DailyRemaining int64
	RetryAfter     time.Duration
	// ResetAt is when the bucket will be full again.
	ResetAt time.Time
	// Degraded marks decisions made by the local fallback because the
	// coordination store was unreachable.
	Degraded bool
}
