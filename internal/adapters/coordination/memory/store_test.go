package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

func increment(current []byte, found bool) (*ports.Mutation, error) {
	n := 0
	if found {
		n, _ = strconv.Atoi(string(current))
	}
	return &ports.Mutation{Value: []byte(strconv.Itoa(n + 1))}, nil
}

func TestStore_MutateIsAtomic(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := s.Mutate(ctx, "counter", increment); err != nil {
					t.Errorf("Mutate() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, "counter")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if string(v) != "1000" {
		t.Errorf("counter = %s, want 1000", v)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := New(clk)
	ctx := context.Background()

	err := s.Mutate(ctx, "k", func([]byte, bool) (*ports.Mutation, error) {
		return &ports.Mutation{Value: []byte("v"), TTL: time.Minute}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	clk.Advance(59 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected key before TTL")
	}

	clk.Advance(time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire at TTL")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestStore_DeleteAndNoop(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	_ = s.Mutate(ctx, "k", increment)

	// nil mutation leaves the value alone
	if err := s.Mutate(ctx, "k", func([]byte, bool) (*ports.Mutation, error) { return nil, nil }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if v, _, _ := s.Get(ctx, "k"); string(v) != "1" {
		t.Errorf("value = %s, want 1", v)
	}

	if err := s.Mutate(ctx, "k", func([]byte, bool) (*ports.Mutation, error) {
		return &ports.Mutation{Delete: true}, nil
	}); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expected key to be deleted")
	}
}

func TestStore_FuncErrorPassesThrough(t *testing.T) {
	s := New(nil)
	sentinel := errors.New("nope")

	err := s.Mutate(context.Background(), "k", func([]byte, bool) (*ports.Mutation, error) {
		return &ports.Mutation{Value: []byte("x")}, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Mutate() error = %v, want sentinel", err)
	}
	if _, ok, _ := s.Get(context.Background(), "k"); ok {
		t.Error("failed mutation must not write")
	}
}
