package ratelimit

import (
	"math"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

const dayLayout = "2006-01-02"

func utcDay(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

// refill brings st forward to now. A fresh bucket starts full. The daily
// counter resets when now falls on a later UTC day than st.Day.
func refill(st domain.RateLimitState, found bool, tier domain.Tier, now time.Time) domain.RateLimitState {
	if !found {
		return domain.RateLimitState{
			TokensRemaining: tier.BurstCapacity,
			LastRefillAt:    now,
			Day:             utcDay(now),
		}
	}

	// Instances with skewed clocks never move last_refill_at backwards.
	if elapsed := now.Sub(st.LastRefillAt); elapsed > 0 {
		st.TokensRemaining += elapsed.Seconds() * tier.RefillRate
		st.LastRefillAt = now
	}
	if st.TokensRemaining > tier.BurstCapacity {
		st.TokensRemaining = tier.BurstCapacity
	}
	if st.TokensRemaining < 0 {
		st.TokensRemaining = 0
	}

	if day := utcDay(now); st.Day != day {
		st.Day = day
		st.DailyUsed = 0
	}
	return st
}

// take runs the full refill-check-consume step. The returned state is only
// meaningful when the decision admitted the request.
func take(st domain.RateLimitState, found bool, tier domain.Tier, cost int64, now time.Time) (domain.RateLimitState, domain.RateLimitDecision) {
	st = refill(st, found, tier, now)
	c := float64(cost)

	dec := domain.RateLimitDecision{
		Limit:          int64(tier.BurstCapacity),
		DailyRemaining: -1,
	}

	switch {
	case c > tier.BurstCapacity || (tier.DailyQuota > 0 && cost > tier.DailyQuota):
		dec.Reason = domain.RejectCostExceedsCapacity

	case tier.DailyQuota > 0 && st.DailyUsed+cost > tier.DailyQuota:
		dec.Reason = domain.RejectDailyQuotaExhausted
		midnight := nextUTCMidnight(now)
		dec.RetryAfter = midnight.Sub(now)

	case st.TokensRemaining < c:
		dec.Reason = domain.RejectBurstExhausted
		if tier.RefillRate > 0 {
			dec.RetryAfter = secondsToDuration((c - st.TokensRemaining) / tier.RefillRate)
		} else {
			dec.RetryAfter = nextUTCMidnight(now).Sub(now)
		}

	default:
		dec.Admitted = true
		st.TokensRemaining -= c
		st.DailyUsed += cost
	}

	fillState(&dec, st, tier, now)
	if dec.Reason == domain.RejectDailyQuotaExhausted {
		dec.ResetAt = nextUTCMidnight(now)
	}
	return st, dec
}

func fillState(dec *domain.RateLimitDecision, st domain.RateLimitState, tier domain.Tier, now time.Time) {
	dec.Remaining = int64(math.Floor(st.TokensRemaining))
	if tier.DailyQuota > 0 {
		dec.DailyRemaining = max(tier.DailyQuota-st.DailyUsed, 0)
	}
	dec.ResetAt = now
	if missing := tier.BurstCapacity - st.TokensRemaining; missing > 0 && tier.RefillRate > 0 {
		dec.ResetAt = now.Add(secondsToDuration(missing / tier.RefillRate))
	}
}

// recordTTL keeps a bucket alive until it would be full again and its
// daily counter would have reset, whichever is later.
func recordTTL(st domain.RateLimitState, tier domain.Tier, now time.Time) time.Duration {
	ttl := nextUTCMidnight(now).Sub(now)
	if tier.RefillRate > 0 {
		if full := secondsToDuration((tier.BurstCapacity - st.TokensRemaining) / tier.RefillRate); full > ttl {
			ttl = full
		}
	}
	return ttl + time.Minute
}

// localTier scales a tier down for one of n instances enforcing it without
// coordination.
func localTier(tier domain.Tier, n int) domain.Tier {
	if n <= 1 {
		return tier
	}
	f := float64(n)
	out := domain.Tier{
		Name:          tier.Name,
		BurstCapacity: math.Max(tier.BurstCapacity/f, 1),
		RefillRate:    tier.RefillRate / f,
	}
	if tier.DailyQuota > 0 {
		out.DailyQuota = max(tier.DailyQuota/int64(n), 1)
	}
	return out
}
