// Package redis provides a Redis-backed coordination store. Generic
// mutations use WATCH/MULTI/EXEC optimistic transactions so that gateway
// instances racing on the same key never both commit a decision computed
// from the same state. Token bucket steps run as a server-side script and
// never retry.
package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

const (
	defaultMaxRetries = 32
	maxRetryBackoff   = 8 * time.Millisecond
)

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucketScript = goredis.NewScript(tokenBucketSource)

// Config configures the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// MaxRetries bounds optimistic transaction retries per Mutate call.
	MaxRetries  int
	DialTimeout time.Duration
}

// Store implements ports.CoordinationStore on Redis.
type Store struct {
	client     goredis.UniversalClient
	prefix     string
	maxRetries int
	logger     *slog.Logger
}

var (
	_ ports.CoordinationStore = (*Store)(nil)
	_ ports.BucketStore       = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Store{
		client:     client,
		prefix:     cfg.KeyPrefix,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Mutate runs fn inside an optimistic transaction on key, retrying when
// another client modified the key between the read and the commit.
func (s *Store) Mutate(ctx context.Context, key string, fn ports.MutateFunc) error {
	fullKey := s.prefix + key

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		found := true
		if errors.Is(err, goredis.Nil) {
			found = false
		} else if err != nil {
			return fmt.Errorf("redis get %s: %w", fullKey, err)
		}

		m, err := fn(current, found)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if m.Delete {
				pipe.Del(ctx, fullKey)
				return nil
			}
			pipe.Set(ctx, fullKey, m.Value, m.TTL)
			return nil
		})
		return err
	}

	backoff := time.Millisecond
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, fullKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}

		// Full jitter spreads racing writers apart.
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ports.ErrStoreContention, ctx.Err())
		case <-time.After(rand.N(backoff) + 1):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}

	s.logger.Warn("redis mutate gave up after contention",
		slog.String("key", fullKey),
		slog.Int("attempts", s.maxRetries))
	return ports.ErrStoreContention
}

// TakeTokens runs one token bucket step atomically inside Redis.
func (s *Store) TakeTokens(ctx context.Context, key string, take ports.BucketTake) ([]byte, bool, error) {
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatFloat(take.BurstCapacity, 'f', -1, 64),
		strconv.FormatFloat(take.RefillRate, 'f', -1, 64),
		take.DailyQuota,
		take.Cost,
		take.NowMillis,
		take.Day,
		take.DayEndMillis,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("redis token bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("redis token bucket %s: unexpected reply %v", key, res)
	}

	admitted, _ := res[0].(int64)
	record, ok := res[1].(string)
	if !ok {
		return nil, false, fmt.Errorf("redis token bucket %s: unexpected record %T", key, res[1])
	}
	return []byte(record), admitted == 1, nil
}

// Get reads key without any guard.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
