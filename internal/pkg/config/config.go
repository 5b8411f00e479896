// Package config loads gateway configuration from config.yaml overlaid by
// GATEWAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nested keys: GATEWAY_SERVER__PORT sets server.port.
const EnvPrefix = "GATEWAY_"

// DefaultPath is read when Load is given no path.
const DefaultPath = "config.yaml"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Admin        AdminConfig        `koanf:"admin"`
	Tracing      TracingConfig      `koanf:"tracing"`
	Coordination CoordinationConfig `koanf:"coordination"`
	Storage      StorageConfig      `koanf:"storage"`
	Limits       LimitsConfig       `koanf:"limits"`
	Idempotency  IdempotencyConfig  `koanf:"idempotency"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	Breaker      BreakerConfig      `koanf:"breaker"`
	Backend      BackendConfig      `koanf:"backend"`
	Webhooks     WebhookConfig      `koanf:"webhooks"`
	Tiers        []TierConfig       `koanf:"tiers"`
	Routes       []RouteConfig      `koanf:"routes"`
	Consumers    []ConsumerConfig   `koanf:"consumers"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	RequestTimeout  string `koanf:"request_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// AdminConfig protects the /admin API. The API is not mounted when KeyHash
// is empty.
type AdminConfig struct {
	KeyHash string `koanf:"key_hash"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// CoordinationConfig selects the shared store for rate-limit buckets and
// idempotency records.
type CoordinationConfig struct {
	Type     string         `koanf:"type"` // memory, redis, dynamodb
	Redis    RedisConfig    `koanf:"redis"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
}

type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type DynamoDBConfig struct {
	Table       string `koanf:"table"`
	Region      string `koanf:"region"`
	Endpoint    string `koanf:"endpoint"`
	Profile     string `koanf:"profile"`
	CreateTable bool   `koanf:"create_table"`
}

// StorageConfig selects the webhook job store.
type StorageConfig struct {
	Type     string         `koanf:"type"` // sqlite, postgres, memory
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration for non-sqlite
// dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// LimitsConfig holds the input validation ceilings.
type LimitsConfig struct {
	MaxBodyBytes         int64 `koanf:"max_body_bytes"`
	MaxHeaderCount       int   `koanf:"max_header_count"`
	MaxHeaderBytes       int   `koanf:"max_header_bytes"`
	MaxTotalHeaderBytes  int   `koanf:"max_total_header_bytes"`
	MaxIdempotencyKeyLen int   `koanf:"max_idempotency_key_len"`
}

type IdempotencyConfig struct {
	TTL          string `koanf:"ttl"`
	StoreTimeout string `koanf:"store_timeout"`
}

type RateLimitConfig struct {
	StoreTimeout       string `koanf:"store_timeout"`
	EstimatedInstances int    `koanf:"estimated_instances"`
	LocalBuckets       int    `koanf:"local_buckets"`
}

type BreakerConfig struct {
	Window            string  `koanf:"window"`
	Buckets           int     `koanf:"buckets"`
	MinRequests       int     `koanf:"min_requests"`
	ErrorThreshold    float64 `koanf:"error_threshold"`
	OpenTimeout       string  `koanf:"open_timeout"`
	MaxOpenTimeout    string  `koanf:"max_open_timeout"`
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`
	HalfOpenMaxProbes int     `koanf:"half_open_max_probes"`
	SuccessThreshold  int     `koanf:"success_threshold"`
	RampStartPct      float64 `koanf:"ramp_start_pct"`
	RampDuration      string  `koanf:"ramp_duration"`
}

type BackendConfig struct {
	DefaultTimeout string `koanf:"default_timeout"`
	BaseBackoff    string `koanf:"base_backoff"`
	MaxBackoff     string `koanf:"max_backoff"`
}

type WebhookConfig struct {
	// Secrets maps secret references to key material. Values support ${VAR}.
	Secrets             map[string]string `koanf:"secrets"`
	AttemptTimeout      string            `koanf:"attempt_timeout"`
	MaxRedirects        int               `koanf:"max_redirects"`
	PollInterval        string            `koanf:"poll_interval"`
	BatchSize           int               `koanf:"batch_size"`
	Workers             int               `koanf:"workers"`
	Lease               string            `koanf:"lease"`
	Schedule            []string          `koanf:"schedule"`
	DeliveredRetention  string            `koanf:"delivered_retention"`
	DeadLetterRetention string            `koanf:"dead_letter_retention"`
}

type TierConfig struct {
	Name          string  `koanf:"name"`
	BurstCapacity float64 `koanf:"burst_capacity"`
	RefillRate    float64 `koanf:"refill_rate"`
	DailyQuota    int64   `koanf:"daily_quota"`
}

type RouteConfig struct {
	Name       string         `koanf:"name"`
	Methods    []string       `koanf:"methods"`
	Path       string         `koanf:"path"`
	Version    string         `koanf:"version"`
	Targets    []TargetConfig `koanf:"targets"`
	Strategy   string         `koanf:"strategy"`
	Timeout    string         `koanf:"timeout"`
	MaxRetries int            `koanf:"max_retries"`
	Cost       int64          `koanf:"cost"`
	Async      bool           `koanf:"async"`
}

type TargetConfig struct {
	Name   string `koanf:"name"`
	URL    string `koanf:"url"`
	Weight int    `koanf:"weight"`
}

type ConsumerConfig struct {
	ID       string         `koanf:"id"`
	TenantID string         `koanf:"tenant_id"`
	Tier     string         `koanf:"tier"`
	Scopes   []string       `koanf:"scopes"`
	APIKeys  []APIKeyConfig `koanf:"api_keys"`
	Webhook  *WebhookTarget `koanf:"webhook"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

// WebhookTarget is a consumer's webhook subscription.
type WebhookTarget struct {
	URL       string `koanf:"url"`
	SecretRef string `koanf:"secret_ref"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":             8080,
	"server.read_timeout":     "30s",
	"server.write_timeout":    "60s",
	"server.request_timeout":  "45s",
	"server.shutdown_timeout": "15s",
	"tracing.service_name":    "resilient-gateway",
	"coordination.type":       "memory",
	"storage.type":            "sqlite",
	"storage.sqlite.path":     "gateway.db",
	"idempotency.ttl":         "24h",
	"webhooks.max_redirects":  3,
}

// Load reads path (DefaultPath when empty), overlays GATEWAY_ environment
// variables and applies defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Coordination.Redis.Password = substituteEnvVars(cfg.Coordination.Redis.Password)
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Admin.KeyHash = substituteEnvVars(cfg.Admin.KeyHash)
	for ref, v := range cfg.Webhooks.Secrets {
		cfg.Webhooks.Secrets[ref] = substituteEnvVars(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Coordination.Type {
	case "memory", "":
	case "redis":
		if c.Coordination.Redis.Addr == "" {
			errs = append(errs, errors.New("coordination.redis.addr is required"))
		}
	case "dynamodb":
		if c.Coordination.DynamoDB.Table == "" {
			errs = append(errs, errors.New("coordination.dynamodb.table is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown coordination.type %q", c.Coordination.Type))
	}

	switch c.Storage.Type {
	case "memory", "sqlite", "":
	case "postgres":
		if c.Storage.Database.DSN == "" {
			errs = append(errs, errors.New("storage.database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}

	durations := map[string]string{
		"server.read_timeout":            c.Server.ReadTimeout,
		"server.write_timeout":           c.Server.WriteTimeout,
		"server.request_timeout":         c.Server.RequestTimeout,
		"server.shutdown_timeout":        c.Server.ShutdownTimeout,
		"idempotency.ttl":                c.Idempotency.TTL,
		"idempotency.store_timeout":      c.Idempotency.StoreTimeout,
		"rate_limit.store_timeout":       c.RateLimit.StoreTimeout,
		"breaker.window":                 c.Breaker.Window,
		"breaker.open_timeout":           c.Breaker.OpenTimeout,
		"breaker.max_open_timeout":       c.Breaker.MaxOpenTimeout,
		"breaker.ramp_duration":          c.Breaker.RampDuration,
		"backend.default_timeout":        c.Backend.DefaultTimeout,
		"backend.base_backoff":           c.Backend.BaseBackoff,
		"backend.max_backoff":            c.Backend.MaxBackoff,
		"webhooks.attempt_timeout":       c.Webhooks.AttemptTimeout,
		"webhooks.poll_interval":         c.Webhooks.PollInterval,
		"webhooks.lease":                 c.Webhooks.Lease,
		"webhooks.delivered_retention":   c.Webhooks.DeliveredRetention,
		"webhooks.dead_letter_retention": c.Webhooks.DeadLetterRetention,
	}
	for field, v := range durations {
		if _, err := ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	for i, v := range c.Webhooks.Schedule {
		if _, err := ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("webhooks.schedule[%d]: %w", i, err))
		}
	}

	tiers := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		switch {
		case t.Name == "":
			errs = append(errs, errors.New("tier name is required"))
		case tiers[t.Name]:
			errs = append(errs, fmt.Errorf("duplicate tier %q", t.Name))
		case t.BurstCapacity <= 0 || t.RefillRate <= 0:
			errs = append(errs, fmt.Errorf("tier %q needs positive burst_capacity and refill_rate", t.Name))
		}
		tiers[t.Name] = true
	}

	for _, r := range c.Routes {
		if r.Name == "" || r.Path == "" {
			errs = append(errs, errors.New("route name and path are required"))
		}
		if len(r.Targets) == 0 {
			errs = append(errs, fmt.Errorf("route %q has no targets", r.Name))
		}
		if _, err := ParseDuration(r.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("route %q timeout: %w", r.Name, err))
		}
	}

	consumers := make(map[string]bool, len(c.Consumers))
	for _, cc := range c.Consumers {
		if cc.ID == "" {
			errs = append(errs, errors.New("consumer id is required"))
			continue
		}
		if consumers[cc.ID] {
			errs = append(errs, fmt.Errorf("duplicate consumer %q", cc.ID))
		}
		consumers[cc.ID] = true
		if !tiers[cc.Tier] {
			errs = append(errs, fmt.Errorf("consumer %q references unknown tier %q", cc.ID, cc.Tier))
		}
		if cc.Webhook != nil && cc.Webhook.URL == "" {
			errs = append(errs, fmt.Errorf("consumer %q webhook url is required", cc.ID))
		}
	}

	return errors.Join(errs...)
}

// ParseDuration parses a Go duration string. Empty means zero, which callers
// treat as "use the default".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Duration parses s, which Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
