package ratelimit

import (
	"encoding/json"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// record is the stored bucket layout. Scripted stores read and write the
// same fields, so numbers stay plain and times are Unix milliseconds.
type record struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMs float64 `json:"last_refill_ms"`
	DailyUsed    float64 `json:"daily_used"`
	Day          string  `json:"day"`
}

// toMillis rounds up so a stored refill time is never earlier than the
// real one; rounding down would credit refill that never elapsed.
func toMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

func encodeState(st domain.RateLimitState) ([]byte, error) {
	return json.Marshal(record{
		Tokens:       st.TokensRemaining,
		LastRefillMs: float64(toMillis(st.LastRefillAt)),
		DailyUsed:    float64(st.DailyUsed),
		Day:          st.Day,
	})
}

// decodeState reports false for records it cannot read; callers treat them
// as absent.
func decodeState(b []byte) (domain.RateLimitState, bool) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil || r.Day == "" {
		return domain.RateLimitState{}, false
	}
	return domain.RateLimitState{
		TokensRemaining: r.Tokens,
		LastRefillAt:    time.UnixMilli(int64(r.LastRefillMs)).UTC(),
		DailyUsed:       int64(r.DailyUsed),
		Day:             r.Day,
	}, true
}
