package domain

import "time"

// BreakerState is the state of a per-backend circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
	BreakerRamping  BreakerState = "RAMPING"
)

// BreakerSnapshot is a point-in-time, read-only view of a breaker.
type BreakerSnapshot struct {
	Backend            string        `json:"backend"`
	State              BreakerState  `json:"state"`
	WindowRequestCount int64         `json:"window_request_count"`
	WindowErrorCount   int64         `json:"window_error_count"`
	OpenedAt           time.Time     `json:"opened_at,omitzero"`
	OpenTimeout        time.Duration `json:"open_timeout_ns"`
	HalfOpenSuccesses  int           `json:"half_open_successes"`
	RampStartedAt      time.Time     `json:"ramp_started_at,omitzero"`
	RampTrafficPct     float64       `json:"ramp_traffic_pct"`
	ConsecutiveOpens   int           `json:"consecutive_opens"`
}
