// Package idempotency deduplicates retried mutating requests. Records live in
// the coordination store keyed by consumer and idempotency key; the first
// writer wins and every record expires at a fixed TTL regardless of status.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

var (
	// ErrRecordNotFound is returned by Complete when no live record exists.
	ErrRecordNotFound = errors.New("idempotency record not found")
	// ErrKeyReuse is returned when a completed key is completed again with a
	// different response.
	ErrKeyReuse = errors.New("idempotency key reused with a different response")
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultStoreTimeout = 100 * time.Millisecond
)

// Config controls the cache.
type Config struct {
	TTL          time.Duration
	StoreTimeout time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	store   ports.CoordinationStore
	clock   clock.Clock
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a cache over store.
func New(store ports.CoordinationStore, cfg Config, clk clock.Clock, logger *slog.Logger) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Cache{
		store:   store,
		clock:   clk,
		ttl:     cfg.TTL,
		timeout: cfg.StoreTimeout,
		logger:  logger,
	}
}

// Key returns the coordination store key for a record.
func Key(consumerID, key string) string {
	return "idem:" + consumerID + ":" + key
}

// Fingerprint identifies a request by method, path, query and body.
func Fingerprint(req *domain.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.Path))
	h.Write([]byte{0})
	h.Write([]byte(req.RawQuery))
	h.Write([]byte{0})
	h.Write(req.Body)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) decode(raw []byte, now time.Time) (*domain.IdempotencyRecord, bool) {
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("discarding unreadable idempotency record", slog.String("error", err.Error()))
		return nil, false
	}
	if rec.Expired(now) {
		return nil, false
	}
	return &rec, true
}

// Begin creates an IN_FLIGHT record unless a live one exists. Exactly one of
// any number of concurrent callers for the same key gets created == true;
// the others get the existing record.
func (c *Cache) Begin(ctx context.Context, consumerID, key, fingerprint string) (*domain.IdempotencyRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		rec     *domain.IdempotencyRecord
		created bool
	)
	err := c.store.Mutate(ctx, Key(consumerID, key), func(current []byte, found bool) (*ports.Mutation, error) {
		now := c.clock.Now()
		if found {
			if existing, live := c.decode(current, now); live {
				rec, created = existing, false
				return nil, nil
			}
		}

		fresh := &domain.IdempotencyRecord{
			ConsumerID:  consumerID,
			Key:         key,
			Status:      domain.IdempotencyInFlight,
			Fingerprint: fingerprint,
			Holder:      uuid.NewString(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(c.ttl),
		}
		b, err := json.Marshal(fresh)
		if err != nil {
			return nil, err
		}
		rec, created = fresh, true
		return &ports.Mutation{Value: b, TTL: c.ttl}, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("idempotency begin: %w", err)
	}
	return rec, created, nil
}

func sameResponse(a, b *domain.Response) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}

// Complete moves an IN_FLIGHT record to COMPLETED with the response
// snapshot. Completing again with an identical response is a no-op.
func (c *Cache) Complete(ctx context.Context, consumerID, key string, resp *domain.Response) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.store.Mutate(ctx, Key(consumerID, key), func(current []byte, found bool) (*ports.Mutation, error) {
		now := c.clock.Now()
		if !found {
			return nil, ErrRecordNotFound
		}
		rec, live := c.decode(current, now)
		if !live {
			return nil, ErrRecordNotFound
		}

		if rec.Status == domain.IdempotencyCompleted {
			if sameResponse(rec.Response, resp) {
				return nil, nil
			}
			return nil, ErrKeyReuse
		}

		rec.Status = domain.IdempotencyCompleted
		rec.Response = resp.Clone()
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		// Completion never extends the original expiry.
		return &ports.Mutation{Value: b, TTL: rec.ExpiresAt.Sub(now)}, nil
	})
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Lookup returns the live record for key, or nil. The read is unguarded.
func (c *Cache) Lookup(ctx context.Context, consumerID, key string) (*domain.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, found, err := c.store.Get(ctx, Key(consumerID, key))
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if !found {
		return nil, nil
	}
	rec, live := c.decode(raw, c.clock.Now())
	if !live {
		return nil, nil
	}
	return rec, nil
}

// Release removes the IN_FLIGHT record created for holder so the client may
// retry after a failed attempt. Completed records and records created by a
// later holder after expiry are left untouched.
func (c *Cache) Release(ctx context.Context, consumerID, key, holder string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.store.Mutate(ctx, Key(consumerID, key), func(current []byte, found bool) (*ports.Mutation, error) {
		if !found {
			return nil, nil
		}
		rec, live := c.decode(current, c.clock.Now())
		if live && (rec.Status == domain.IdempotencyCompleted || rec.Holder != holder) {
			return nil, nil
		}
		return &ports.Mutation{Delete: true}, nil
	})
	if err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}
