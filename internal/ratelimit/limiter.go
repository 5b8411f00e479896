// Package ratelimit implements the distributed token bucket. Every admission
// decision is a single atomic mutation of the bucket record in the
// coordination store; when the store cannot be reached in time the limiter
// falls back to stricter per-instance buckets and flags the decision as
// degraded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// ErrUnknownTier is returned when a principal names a tier that is not
// configured.
var ErrUnknownTier = errors.New("unknown rate limit tier")

const (
	DefaultStoreTimeout  = 50 * time.Millisecond
	DefaultLocalBuckets  = 10000
	defaultInstanceCount = 1
)

// Config controls the limiter.
type Config struct {
	// StoreTimeout bounds each coordination store round trip.
	StoreTimeout time.Duration
	// EstimatedInstances divides tier parameters in degraded mode.
	EstimatedInstances int
	// LocalBuckets bounds the degraded-mode bucket cache.
	LocalBuckets int
}

type localBucket struct {
	mu    sync.Mutex
	state domain.RateLimitState
	found bool
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store  ports.CoordinationStore
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config

	tiers atomic.Pointer[map[string]domain.Tier]
	local *lru.Cache[string, *localBucket]

	degradedCount atomic.Int64
}

// New creates a limiter over store.
func New(store ports.CoordinationStore, tiers []domain.Tier, cfg Config, clk clock.Clock, logger *slog.Logger) (*Limiter, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.EstimatedInstances <= 0 {
		cfg.EstimatedInstances = defaultInstanceCount
	}
	if cfg.LocalBuckets <= 0 {
		cfg.LocalBuckets = DefaultLocalBuckets
	}

	local, err := lru.New[string, *localBucket](cfg.LocalBuckets)
	if err != nil {
		return nil, fmt.Errorf("create local bucket cache: %w", err)
	}

	l := &Limiter{
		store:  store,
		clock:  clk,
		logger: logger,
		cfg:    cfg,
		local:  local,
	}
	l.SetTiers(tiers)
	return l, nil
}

// SetTiers atomically replaces the tier table. Existing buckets keep their
// state and are evaluated against the new parameters on next use.
func (l *Limiter) SetTiers(tiers []domain.Tier) {
	m := make(map[string]domain.Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	l.tiers.Store(&m)
}

// Tier returns the configured tier by name.
func (l *Limiter) Tier(name string) (domain.Tier, bool) {
	t, ok := (*l.tiers.Load())[name]
	return t, ok
}

// DegradedDecisions returns the number of decisions made without the store.
func (l *Limiter) DegradedDecisions() int64 {
	return l.degradedCount.Load()
}

// Key returns the coordination store key for a bucket. Buckets are keyed by
// consumer and tier only, never by wire protocol.
func Key(consumerID, tier string) string {
	return "rl:" + consumerID + ":" + tier
}

// TryAdmit consumes cost tokens from the consumer's bucket if available.
func (l *Limiter) TryAdmit(ctx context.Context, consumerID, tierName string, cost int64) (domain.RateLimitDecision, error) {
	tier, ok := l.Tier(tierName)
	if !ok {
		return domain.RateLimitDecision{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}
	if cost < 1 {
		cost = 1
	}

	key := Key(consumerID, tierName)
	dec, reached, err := l.admitShared(ctx, key, tier, cost)
	if err == nil {
		return dec, nil
	}
	if ctx.Err() != nil {
		return domain.RateLimitDecision{}, ctx.Err()
	}

	// A store that answered but could not commit is contended, not down.
	// Falling back to a full local bucket here would over-admit.
	if reached || errors.Is(err, ports.ErrStoreContention) {
		l.logger.Warn("rate limit store contended, rejecting",
			slog.String("consumer_id", consumerID),
			slog.String("tier", tierName),
			slog.String("error", err.Error()))
		return l.contended(tier), nil
	}

	l.degradedCount.Add(1)
	l.logger.Warn("rate limit store unavailable, enforcing locally",
		slog.String("consumer_id", consumerID),
		slog.String("tier", tierName),
		slog.Int("estimated_instances", l.cfg.EstimatedInstances),
		slog.String("error", err.Error()))

	return l.admitLocal(key, tier, cost), nil
}

func (l *Limiter) contended(tier domain.Tier) domain.RateLimitDecision {
	retry := l.cfg.StoreTimeout
	if retry < time.Second {
		retry = time.Second
	}
	now := l.clock.Now()
	return domain.RateLimitDecision{
		Reason:         domain.RejectContended,
		Limit:          int64(tier.BurstCapacity),
		DailyRemaining: -1,
		RetryAfter:     retry,
		ResetAt:        now.Add(retry),
	}
}

// admitShared runs one admission against the coordination store. reached
// reports whether the store returned the bucket before any failure.
func (l *Limiter) admitShared(ctx context.Context, key string, tier domain.Tier, cost int64) (domain.RateLimitDecision, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	if bs, ok := l.store.(ports.BucketStore); ok {
		dec, err := l.admitScripted(ctx, bs, key, tier, cost)
		return dec, false, err
	}

	var (
		dec     domain.RateLimitDecision
		reached bool
	)
	err := l.store.Mutate(ctx, key, func(current []byte, found bool) (*ports.Mutation, error) {
		reached = true
		var st domain.RateLimitState
		if found {
			// A corrupt record is replaced by a fresh bucket.
			st, found = decodeState(current)
		}

		now := l.clock.Now()
		next, d := take(st, found, tier, cost, now)
		dec = d
		if !d.Admitted {
			return nil, nil
		}

		b, err := encodeState(next)
		if err != nil {
			return nil, err
		}
		return &ports.Mutation{Value: b, TTL: recordTTL(next, tier, now)}, nil
	})
	if err != nil {
		return domain.RateLimitDecision{}, reached, err
	}
	return dec, reached, nil
}

func (l *Limiter) admitScripted(ctx context.Context, bs ports.BucketStore, key string, tier domain.Tier, cost int64) (domain.RateLimitDecision, error) {
	now := l.clock.Now()
	raw, admitted, err := bs.TakeTokens(ctx, key, ports.BucketTake{
		BurstCapacity: tier.BurstCapacity,
		RefillRate:    tier.RefillRate,
		DailyQuota:    tier.DailyQuota,
		Cost:          cost,
		NowMillis:     toMillis(now),
		Day:           utcDay(now),
		DayEndMillis:  nextUTCMidnight(now).UnixMilli(),
	})
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	st, ok := decodeState(raw)
	if !ok {
		return domain.RateLimitDecision{}, fmt.Errorf("decode bucket %s: %q", key, raw)
	}

	dec := domain.RateLimitDecision{Limit: int64(tier.BurstCapacity), DailyRemaining: -1}
	if admitted {
		dec.Admitted = true
		fillState(&dec, st, tier, now)
		return dec, nil
	}

	// The store already refilled to now, so take only classifies.
	if _, d := take(st, true, tier, cost, now); !d.Admitted {
		return d, nil
	}
	dec.Reason = domain.RejectBurstExhausted
	fillState(&dec, st, tier, now)
	return dec, nil
}

func (l *Limiter) admitLocal(key string, tier domain.Tier, cost int64) domain.RateLimitDecision {
	b, ok := l.local.Get(key)
	if !ok {
		b = &localBucket{}
		if prev, loaded, _ := l.local.PeekOrAdd(key, b); loaded {
			b = prev
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next, dec := take(b.state, b.found, localTier(tier, l.cfg.EstimatedInstances), cost, l.clock.Now())
	if dec.Admitted {
		b.state = next
		b.found = true
	}
	dec.Degraded = true
	return dec
}

// Peek reports the bucket as it would look now without consuming tokens.
// The read is unguarded and only suitable for monitoring.
func (l *Limiter) Peek(ctx context.Context, consumerID, tierName string) (domain.RateLimitState, domain.RateLimitDecision, error) {
	tier, ok := l.Tier(tierName)
	if !ok {
		return domain.RateLimitState{}, domain.RateLimitDecision{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	raw, found, err := l.store.Get(ctx, Key(consumerID, tierName))
	if err != nil {
		return domain.RateLimitState{}, domain.RateLimitDecision{}, fmt.Errorf("read bucket: %w", err)
	}

	var st domain.RateLimitState
	if found {
		st, found = decodeState(raw)
	}

	now := l.clock.Now()
	st = refill(st, found, tier, now)
	dec := domain.RateLimitDecision{Limit: int64(tier.BurstCapacity), DailyRemaining: -1, Admitted: st.TokensRemaining >= 1}
	fillState(&dec, st, tier, now)
	return st, dec, nil
}
