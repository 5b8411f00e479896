// Package dynamodb provides a DynamoDB-backed coordination store. Every write
// is conditioned on the version that was read, so concurrent mutations of the
// same key serialize through conditional-check failures and retries.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

const (
	attrKey       = "pk"
	attrValue     = "val"
	attrVersion   = "ver"
	attrExpiresAt = "expires_at"

	defaultMaxRetries = 32
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// Config configures the DynamoDB store.
type Config struct {
	Table    string
	Region   string
	Endpoint string
	Profile  string
	// CreateTable creates the table on startup when it does not exist.
	CreateTable          bool
	TableCreationTimeout time.Duration
	MaxRetries           int
}

type item struct {
	Key       string `dynamodbav:"pk"`
	Value     []byte `dynamodbav:"val"`
	Version   int64  `dynamodbav:"ver"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

func (it *item) expired(now time.Time) bool {
	return it.ExpiresAt > 0 && now.Unix() >= it.ExpiresAt
}

// Store implements ports.CoordinationStore on DynamoDB.
type Store struct {
	api        API
	table      string
	clock      clock.Clock
	maxRetries int
	logger     *slog.Logger
}

var _ ports.CoordinationStore = (*Store)(nil)

// New loads AWS configuration, builds a client and optionally creates the
// table.
func New(ctx context.Context, cfg Config, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name cannot be empty")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, dynamodb.WithEndpointResolverV2(&endpointResolver{endpointURL: cfg.Endpoint}))
	}

	s := NewWithAPI(dynamodb.NewFromConfig(sdkConfig, clientOpts...), cfg, clk, logger)
	if cfg.CreateTable {
		timeout := cfg.TableCreationTimeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		if err := s.CreateTableIfNotExists(ctx, timeout); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, cfg Config, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Store{
		api:        api,
		table:      cfg.Table,
		clock:      clk,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// CreateTableIfNotExists creates the coordination table and enables native
// TTL on the expiry attribute.
func (s *Store) CreateTableIfNotExists(ctx context.Context, timeout time.Duration) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", s.table, err)
	}

	s.logger.Info("creating coordination table", slog.String("table", s.table))

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, timeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", s.table, err)
	}

	_, err = s.api.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrExpiresAt),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// Expired items are still filtered on read.
		s.logger.Warn("enable ttl failed",
			slog.String("table", s.table),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string) (*item, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal item %s: %w", key, err)
	}
	return &it, nil
}

// versionCondition guards a write against the item state that was read.
func versionCondition(existing *item) (string, map[string]string, map[string]types.AttributeValue) {
	if existing == nil {
		return "attribute_not_exists(#k)", map[string]string{"#k": attrKey}, nil
	}
	return "#v = :v",
		map[string]string{"#v": attrVersion},
		map[string]types.AttributeValue{":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(existing.Version, 10)}}
}

// Mutate reads key, applies fn and writes the result conditioned on the
// version read. Conditional-check failures are retried.
func (s *Store) Mutate(ctx context.Context, key string, fn ports.MutateFunc) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		existing, err := s.read(ctx, key)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		var current []byte
		found := existing != nil && !existing.expired(now)
		if found {
			current = existing.Value
		}

		m, err := fn(current, found)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}

		cond, names, values := versionCondition(existing)

		if m.Delete {
			if existing == nil {
				return nil
			}
			_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.table),
				Key:                       map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
		} else {
			next := item{Key: key, Value: m.Value, Version: 1}
			if existing != nil {
				next.Version = existing.Version + 1
			}
			if m.TTL > 0 {
				next.ExpiresAt = now.Add(m.TTL).Unix()
			}
			av, merr := attributevalue.MarshalMap(next)
			if merr != nil {
				return fmt.Errorf("marshal item %s: %w", key, merr)
			}
			_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 aws.String(s.table),
				Item:                      av,
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
		}

		if err == nil {
			return nil
		}
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		return fmt.Errorf("dynamodb write %s: %w", key, err)
	}

	s.logger.Warn("dynamodb mutate gave up after contention",
		slog.String("key", key),
		slog.Int("attempts", s.maxRetries))
	return ports.ErrStoreContention
}

// Get reads key without any guard.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	it, err := s.read(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if it == nil || it.expired(s.clock.Now()) {
		return nil, false, nil
	}
	return it.Value, true, nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (s *Store) Close() error {
	return nil
}
