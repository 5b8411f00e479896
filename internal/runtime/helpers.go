package runtime

import (
	"strings"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/backend"
	"github.com/tjfontaine/resilient-gateway/internal/breaker"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/idempotency"
	"github.com/tjfontaine/resilient-gateway/internal/pipeline"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/config"
	"github.com/tjfontaine/resilient-gateway/internal/ratelimit"
	"github.com/tjfontaine/resilient-gateway/internal/webhook"
)

// Durations below were checked by config.Validate, so config.Duration
// cannot fail here.

func tiersFromConfig(cfg *config.Config) []domain.Tier {
	out := make([]domain.Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		out = append(out, domain.Tier{
			Name:          t.Name,
			BurstCapacity: t.BurstCapacity,
			RefillRate:    t.RefillRate,
			DailyQuota:    t.DailyQuota,
		})
	}
	return out
}

func routesFromConfig(cfg *config.Config) []domain.Route {
	out := make([]domain.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		targets := make([]domain.BackendTarget, 0, len(r.Targets))
		for _, t := range r.Targets {
			targets = append(targets, domain.BackendTarget{Name: t.Name, URL: t.URL, Weight: t.Weight})
		}
		methods := make([]string, 0, len(r.Methods))
		for _, m := range r.Methods {
			methods = append(methods, strings.ToUpper(m))
		}
		out = append(out, domain.Route{
			Name:       r.Name,
			Methods:    methods,
			Path:       r.Path,
			Version:    r.Version,
			Targets:    targets,
			Strategy:   domain.BalanceStrategy(r.Strategy),
			Timeout:    config.Duration(r.Timeout),
			MaxRetries: r.MaxRetries,
			Cost:       r.Cost,
			Async:      r.Async,
		})
	}
	return out
}

func breakerConfig(cfg *config.Config) breaker.Config {
	b := cfg.Breaker
	return breaker.Config{
		Window:            config.Duration(b.Window),
		Buckets:           b.Buckets,
		MinRequests:       b.MinRequests,
		ErrorThreshold:    b.ErrorThreshold,
		OpenTimeout:       config.Duration(b.OpenTimeout),
		MaxOpenTimeout:    config.Duration(b.MaxOpenTimeout),
		BackoffMultiplier: b.BackoffMultiplier,
		HalfOpenMaxProbes: b.HalfOpenMaxProbes,
		SuccessThreshold:  b.SuccessThreshold,
		RampStartPct:      b.RampStartPct,
		RampDuration:      config.Duration(b.RampDuration),
	}
}

func rateLimitConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		StoreTimeout:       config.Duration(cfg.RateLimit.StoreTimeout),
		EstimatedInstances: cfg.RateLimit.EstimatedInstances,
		LocalBuckets:       cfg.RateLimit.LocalBuckets,
	}
}

func idempotencyConfig(cfg *config.Config) idempotency.Config {
	return idempotency.Config{
		TTL:          config.Duration(cfg.Idempotency.TTL),
		StoreTimeout: config.Duration(cfg.Idempotency.StoreTimeout),
	}
}

func executorConfig(cfg *config.Config) backend.ExecutorConfig {
	return backend.ExecutorConfig{
		DefaultTimeout: config.Duration(cfg.Backend.DefaultTimeout),
		BaseBackoff:    config.Duration(cfg.Backend.BaseBackoff),
		MaxBackoff:     config.Duration(cfg.Backend.MaxBackoff),
	}
}

func validateConfig(cfg *config.Config) pipeline.ValidateConfig {
	l := cfg.Limits
	return pipeline.ValidateConfig{
		MaxBodyBytes:         l.MaxBodyBytes,
		MaxHeaderCount:       l.MaxHeaderCount,
		MaxHeaderBytes:       l.MaxHeaderBytes,
		MaxTotalHeaderBytes:  l.MaxTotalHeaderBytes,
		MaxIdempotencyKeyLen: l.MaxIdempotencyKeyLen,
	}
}

func delivererConfig(cfg *config.Config) webhook.DelivererConfig {
	return webhook.DelivererConfig{
		Timeout:      config.Duration(cfg.Webhooks.AttemptTimeout),
		MaxRedirects: cfg.Webhooks.MaxRedirects,
	}
}

func dispatcherConfig(cfg *config.Config) webhook.DispatcherConfig {
	w := cfg.Webhooks
	var schedule []time.Duration
	for _, s := range w.Schedule {
		schedule = append(schedule, config.Duration(s))
	}
	return webhook.DispatcherConfig{
		PollInterval:        config.Duration(w.PollInterval),
		BatchSize:           w.BatchSize,
		Workers:             w.Workers,
		Lease:               config.Duration(w.Lease),
		Schedule:            schedule,
		DeliveredRetention:  config.Duration(w.DeliveredRetention),
		DeadLetterRetention: config.Duration(w.DeadLetterRetention),
	}
}
