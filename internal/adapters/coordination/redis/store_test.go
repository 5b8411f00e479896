package redis

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, Config{KeyPrefix: "gw:", MaxRetries: 1000}, nil), mr
}

func increment(current []byte, found bool) (*ports.Mutation, error) {
	n := 0
	if found {
		n, _ = strconv.Atoi(string(current))
	}
	return &ports.Mutation{Value: []byte(strconv.Itoa(n + 1))}, nil
}

func TestStore_ConcurrentMutate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
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
	if string(v) != "100" {
		t.Errorf("counter = %s, want 100", v)
	}
}

func TestStore_PrefixAndTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Mutate(ctx, "k", func([]byte, bool) (*ports.Mutation, error) {
		return &ports.Mutation{Value: []byte("v"), TTL: time.Minute}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	if !mr.Exists("gw:k") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := mr.TTL("gw:k"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expected key to expire")
	}
}

func TestStore_Delete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_ = s.Mutate(ctx, "k", increment)
	err := s.Mutate(ctx, "k", func(current []byte, found bool) (*ports.Mutation, error) {
		if !found || string(current) != "1" {
			t.Errorf("current = %q, %v", current, found)
		}
		return &ports.Mutation{Delete: true}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if mr.Exists("gw:k") {
		t.Error("expected key deleted")
	}
}

func TestStore_FuncErrorPassesThrough(t *testing.T) {
	s, mr := newTestStore(t)
	sentinel := errors.New("reject")

	err := s.Mutate(context.Background(), "k", func([]byte, bool) (*ports.Mutation, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Mutate() error = %v, want sentinel", err)
	}
	if mr.Exists("gw:k") {
		t.Error("failed mutation must not write")
	}
}

func TestStore_Unreachable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Mutate(ctx, "k", increment); err == nil {
		t.Fatal("expected error when redis is down")
	}
}
