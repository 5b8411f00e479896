// Package memory provides an in-process coordination store. It gives the same
// atomicity as the networked stores within one process and is used for tests
// and single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store implements ports.CoordinationStore with a mutex-guarded map.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]entry
}

var _ ports.CoordinationStore = (*Store)(nil)

// New creates an empty store. A nil clock uses the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:   clk,
		entries: make(map[string]entry),
	}
}

// Mutate holds the store lock across fn, so mutations are serialized.
func (s *Store) Mutate(ctx context.Context, key string, fn ports.MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	current, found := s.lookup(key, now)

	m, err := fn(current, found)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if m.Delete {
		delete(s.entries, key)
		return nil
	}

	e := entry{value: append([]byte(nil), m.Value...)}
	if m.TTL > 0 {
		e.expiresAt = now.Add(m.TTL)
	}
	s.entries[key] = e
	return nil
}

// Get returns the live value of key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lookup(key, s.clock.Now())
	return v, ok, nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for k := range s.entries {
		if _, ok := s.lookup(k, now); ok {
			n++
		}
	}
	return n
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// lookup must be called with mu held. Expired entries are evicted.
func (s *Store) lookup(key string, now time.Time) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}
