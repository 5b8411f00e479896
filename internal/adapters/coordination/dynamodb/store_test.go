package dynamodb

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// fakeAPI is an in-memory table that honors the store's version conditions.
type fakeAPI struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	// beforePut runs once before the next conditional write.
	beforePut func(items map[string]map[string]types.AttributeValue)
	puts      int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(m map[string]types.AttributeValue) string {
	return m[attrKey].(*types.AttributeValueMemberS).Value
}

func (f *fakeAPI) conditionHolds(key string, values map[string]types.AttributeValue) bool {
	existing, ok := f.items[key]
	want, guarded := values[":v"]
	if !guarded {
		return !ok
	}
	if !ok {
		return false
	}
	return existing[attrVersion].(*types.AttributeValueMemberN).Value == want.(*types.AttributeValueMemberN).Value
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook := f.beforePut; hook != nil {
		f.beforePut = nil
		hook(f.items)
	}
	f.puts++
	key := keyOf(in.Item)
	if !f.conditionHolds(key, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keyOf(in.Key)
	if !f.conditionHolds(key, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func (f *fakeAPI) CreateTable(context.Context, *dynamodb.CreateTableInput, ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) UpdateTimeToLive(context.Context, *dynamodb.UpdateTimeToLiveInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func increment(current []byte, found bool) (*ports.Mutation, error) {
	n := 0
	if found {
		n, _ = strconv.Atoi(string(current))
	}
	return &ports.Mutation{Value: []byte(strconv.Itoa(n + 1))}, nil
}

func TestStore_MutateCreatesAndUpdates(t *testing.T) {
	api := newFakeAPI()
	s := NewWithAPI(api, Config{Table: "coord"}, clock.NewFake(time.Unix(1_700_000_000, 0)), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Mutate(ctx, "k", increment); err != nil {
			t.Fatalf("Mutate() error = %v", err)
		}
	}

	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if string(v) != "3" {
		t.Errorf("value = %s, want 3", v)
	}
}

func TestStore_RetriesOnConditionalFailure(t *testing.T) {
	api := newFakeAPI()
	s := NewWithAPI(api, Config{Table: "coord"}, clock.NewFake(time.Unix(1_700_000_000, 0)), nil)
	ctx := context.Background()

	if err := s.Mutate(ctx, "k", increment); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	// A concurrent writer bumps the version between our read and write.
	api.beforePut = func(items map[string]map[string]types.AttributeValue) {
		items["k"][attrVersion] = &types.AttributeValueMemberN{Value: "7"}
		items["k"][attrValue] = &types.AttributeValueMemberB{Value: []byte("10")}
	}

	if err := s.Mutate(ctx, "k", increment); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	v, _, _ := s.Get(ctx, "k")
	if string(v) != "11" {
		t.Errorf("value = %s, want 11 (recomputed from the concurrent write)", v)
	}
	if api.puts != 3 {
		t.Errorf("puts = %d, want 3", api.puts)
	}
}

func TestStore_ContentionExhausted(t *testing.T) {
	api := newFakeAPI()
	s := NewWithAPI(api, Config{Table: "coord", MaxRetries: 1}, clock.NewFake(time.Unix(1_700_000_000, 0)), nil)
	ctx := context.Background()

	api.beforePut = func(items map[string]map[string]types.AttributeValue) {
		items["k"] = map[string]types.AttributeValue{
			attrKey:     &types.AttributeValueMemberS{Value: "k"},
			attrValue:   &types.AttributeValueMemberB{Value: []byte("x")},
			attrVersion: &types.AttributeValueMemberN{Value: "1"},
		}
	}

	err := s.Mutate(ctx, "k", increment)
	if !errors.Is(err, ports.ErrStoreContention) {
		t.Fatalf("Mutate() error = %v, want ErrStoreContention", err)
	}
}

func TestStore_ExpiredItemIsMissing(t *testing.T) {
	api := newFakeAPI()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := NewWithAPI(api, Config{Table: "coord"}, clk, nil)
	ctx := context.Background()

	err := s.Mutate(ctx, "k", func([]byte, bool) (*ports.Mutation, error) {
		return &ports.Mutation{Value: []byte("v"), TTL: time.Minute}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	clk.Advance(time.Minute)

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected expired item to read as missing")
	}

	// Overwriting an expired item is guarded by its stale version.
	err = s.Mutate(ctx, "k", func(_ []byte, found bool) (*ports.Mutation, error) {
		if found {
			t.Error("expired item reported as found")
		}
		return &ports.Mutation{Value: []byte("fresh")}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	v, ok, _ := s.Get(ctx, "k")
	if !ok || string(v) != "fresh" {
		t.Errorf("Get() = %q, %v", v, ok)
	}
}

func TestStore_Delete(t *testing.T) {
	api := newFakeAPI()
	s := NewWithAPI(api, Config{Table: "coord"}, nil, nil)
	ctx := context.Background()

	_ = s.Mutate(ctx, "k", increment)
	err := s.Mutate(ctx, "k", func([]byte, bool) (*ports.Mutation, error) {
		return &ports.Mutation{Delete: true}, nil
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if len(api.items) != 0 {
		t.Errorf("items = %d, want 0", len(api.items))
	}
}

// TestStore_Integration runs against DynamoDB Local when DYNAMODB_ENDPOINT is
// set, e.g. http://localhost:8000.
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	if endpoint == "" {
		t.Skip("DYNAMODB_ENDPOINT not set")
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "local")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "local")

	ctx := context.Background()
	s, err := New(ctx, Config{
		Table:       "gateway-coord-test",
		Region:      "us-east-1",
		Endpoint:    endpoint,
		CreateTable: true,
	}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "it:" + uuid.NewString()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if err := s.Mutate(ctx, key, increment); err != nil {
					t.Errorf("Mutate() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if string(v) != "20" {
		t.Errorf("value = %s, want 20", v)
	}
}
