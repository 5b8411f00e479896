// Package runtime wires configuration, stores and the request pipeline into
// a runnable gateway and manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/tjfontaine/resilient-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/resilient-gateway/internal/adapters/coordination/dynamodb"
	coordmemory "github.com/tjfontaine/resilient-gateway/internal/adapters/coordination/memory"
	"github.com/tjfontaine/resilient-gateway/internal/adapters/coordination/redis"
	"github.com/tjfontaine/resilient-gateway/internal/adapters/events/async"
	"github.com/tjfontaine/resilient-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/resilient-gateway/internal/backend"
	"github.com/tjfontaine/resilient-gateway/internal/breaker"
	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/idempotency"
	"github.com/tjfontaine/resilient-gateway/internal/pipeline"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/config"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/resilient-gateway/internal/ratelimit"
	"github.com/tjfontaine/resilient-gateway/internal/router"
	"github.com/tjfontaine/resilient-gateway/internal/server"
	jobmemory "github.com/tjfontaine/resilient-gateway/internal/storage/memory"
	"github.com/tjfontaine/resilient-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/resilient-gateway/internal/webhook"
)

// Gateway is the main entry point for running the gateway. It can be
// embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options or built from config)
	config       ports.ConfigProvider
	coordination ports.CoordinationStore
	jobs         ports.JobStore
	events       ports.EventSink
	backend      ports.Backend
	clock        clock.Clock
	listener     net.Listener
	logger       *slog.Logger

	// Components built on Start
	limiter    *ratelimit.Limiter
	routes     *router.Router
	breakers   *breaker.Registry
	authn      *apikey.Provider
	secrets    *webhook.Secrets
	webhooks   *webhook.Service
	dispatcher *webhook.Dispatcher
	pipeline   *pipeline.Orchestrator
	handler    http.Handler
	server     *http.Server

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
}

// New creates a Gateway with the given options. A config provider is
// required; everything else defaults from configuration.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if gw.clock == nil {
		gw.clock = clock.New()
	}

	return gw, nil
}

// Start loads configuration, builds the pipeline, starts the webhook
// dispatcher and the HTTP server, and begins watching for config changes.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		g.cancel()
		return fmt.Errorf("load config: %w", err)
	}

	if err := g.build(g.ctx, cfg); err != nil {
		g.cancel()
		return err
	}

	if err := g.startServer(cfg); err != nil {
		g.cancel()
		return fmt.Errorf("start server: %w", err)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.dispatcher.Run(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("webhook dispatcher stopped", slog.String("error", err.Error()))
		}
	}()

	go g.watchConfig()

	g.started = true
	g.logger.Info("gateway started",
		slog.String("addr", g.listener.Addr().String()),
		slog.Int("routes", len(cfg.Routes)),
		slog.Int("tiers", len(cfg.Tiers)),
		slog.Int("consumers", len(cfg.Consumers)),
		slog.String("coordination", cfg.Coordination.Type),
		slog.String("storage", cfg.Storage.Type))

	return nil
}

// build constructs every component from cfg, honoring injected overrides.
func (g *Gateway) build(ctx context.Context, cfg *config.Config) error {
	var err error

	if g.coordination == nil {
		if g.coordination, err = openCoordination(ctx, cfg, g.clock, g.logger); err != nil {
			return fmt.Errorf("open coordination store: %w", err)
		}
	}
	if g.jobs == nil {
		if g.jobs, err = openJobStore(cfg); err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
	}
	if g.events == nil {
		sink, err := direct.NewSink(g.logger, slog.LevelInfo)
		if err != nil {
			return fmt.Errorf("create event sink: %w", err)
		}
		g.events = async.New(sink, async.DefaultBufferSize, g.logger)
	}
	if g.backend == nil {
		g.backend = backend.NewClient()
	}

	g.breakers = breaker.NewRegistry(breakerConfig(cfg), g.clock, g.onBreakerChange)

	if g.limiter, err = ratelimit.New(g.coordination, tiersFromConfig(cfg), rateLimitConfig(cfg), g.clock, g.logger); err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}
	if g.routes, err = router.New(routesFromConfig(cfg)); err != nil {
		return fmt.Errorf("build route table: %w", err)
	}
	if g.authn, err = apikey.NewProvider(cfg.Consumers); err != nil {
		return fmt.Errorf("load consumers: %w", err)
	}

	g.secrets = webhook.NewSecrets(cfg.Webhooks.Secrets)
	deliverer := webhook.NewDeliverer(safehttp.NewGuard(), g.secrets, delivererConfig(cfg), g.clock)
	g.webhooks = webhook.NewService(g.jobs, g.events, g.clock, g.logger)
	g.dispatcher = webhook.NewDispatcher(g.jobs, deliverer, g.events, dispatcherConfig(cfg), g.clock, g.logger)

	g.pipeline, err = pipeline.NewDefault(pipeline.Dependencies{
		Idempotency:   idempotency.New(g.coordination, idempotencyConfig(cfg), g.clock, g.logger),
		Limiter:       g.limiter,
		Routes:        g.routes,
		Backends:      backend.NewExecutor(g.backend, g.breakers, executorConfig(cfg), g.clock, g.logger),
		Webhooks:      g.webhooks,
		Subscriptions: g.authn,
		Events:        g.events,
		Clock:         g.clock,
		Logger:        g.logger,
	}, validateConfig(cfg))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	g.handler = server.NewRouter(server.Config{
		RequestTimeout: config.Duration(cfg.Server.RequestTimeout),
		MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
		AdminKeyHash:   cfg.Admin.KeyHash,
		ServiceName:    cfg.Tracing.ServiceName,
	}, server.Dependencies{
		Pipeline:      g.pipeline,
		Authenticator: g.authn,
		Jobs:          g.webhooks,
		Breakers:      g.breakers,
		Limiter:       g.limiter,
		Logger:        g.logger,
	})
	return nil
}

func openCoordination(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (ports.CoordinationStore, error) {
	c := cfg.Coordination
	switch c.Type {
	case "redis":
		return redis.New(ctx, redis.Config{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		}, logger)
	case "dynamodb":
		return dynamodb.New(ctx, dynamodb.Config{
			Table:       c.DynamoDB.Table,
			Region:      c.DynamoDB.Region,
			Endpoint:    c.DynamoDB.Endpoint,
			Profile:     c.DynamoDB.Profile,
			CreateTable: c.DynamoDB.CreateTable,
		}, clk, logger)
	default:
		logger.Warn("using in-process coordination store; limits and idempotency are per instance")
		return coordmemory.New(clk), nil
	}
}

// openJobStore opens the configured webhook job store. The postgres dialect
// needs a "pgx" database/sql driver registered by the embedding binary.
func openJobStore(cfg *config.Config) (ports.JobStore, error) {
	switch cfg.Storage.Type {
	case "memory":
		return jobmemory.New(), nil
	case "postgres":
		driver := cfg.Storage.Database.Driver
		if driver == "" {
			driver = "pgx"
		}
		return sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Storage.Database.DSN})
	default:
		return sqldb.NewSQLite(cfg.Storage.SQLite.Path)
	}
}

func (g *Gateway) onBreakerChange(backendName string, from, to domain.BreakerState) {
	level := slog.LevelInfo
	if to == domain.BreakerOpen {
		level = slog.LevelWarn
	}
	g.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("backend", backendName),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	g.events.Emit(context.Background(), domain.Event{
		Type:      domain.EventBreakerChanged,
		Timestamp: g.clock.Now(),
		Attributes: map[string]string{
			"backend": backendName,
			"from":    string(from),
			"to":      string(to),
		},
	})
}

// Handler returns the HTTP handler, for embedding in another server. It is
// nil until Start succeeds.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

// Addr returns the listening address once started.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Shutdown gracefully stops the gateway: the HTTP server drains, the
// dispatcher finishes in-flight deliveries, and stores are closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	closers := []struct {
		name string
		c    interface{ Close() error }
	}{
		{"events", g.events},
		{"job store", g.jobs},
		{"coordination store", g.coordination},
		{"config", g.config},
	}
	for _, cl := range closers {
		if cl.c == nil {
			continue
		}
		if err := cl.c.Close(); err != nil {
			g.logger.Error("failed to close "+cl.name, slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	g.started = false
	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.Reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// Reload applies the hot-reloadable parts of cfg: routes, tiers, consumers,
// breaker parameters and webhook secrets. Nothing is applied unless the
// routes and consumers are valid.
func (g *Gateway) Reload(cfg *config.Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.routes == nil {
		return errors.New("gateway not started")
	}

	routes := routesFromConfig(cfg)
	if _, err := router.NewTable(routes); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	if _, err := apikey.NewProvider(cfg.Consumers); err != nil {
		return fmt.Errorf("consumers: %w", err)
	}

	if err := g.routes.Update(routes); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	if err := g.authn.Reload(cfg.Consumers); err != nil {
		return fmt.Errorf("consumers: %w", err)
	}
	g.limiter.SetTiers(tiersFromConfig(cfg))
	g.breakers.SetConfig(breakerConfig(cfg))
	g.secrets.SetStatic(cfg.Webhooks.Secrets)

	g.logger.Info("reload complete",
		slog.Int("routes", len(cfg.Routes)),
		slog.Int("tiers", len(cfg.Tiers)),
		slog.Int("consumers", len(cfg.Consumers)))

	return nil
}

// startServer starts the HTTP server.
func (g *Gateway) startServer(cfg *config.Config) error {
	if g.listener == nil {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return err
		}
		g.listener = l
	}

	g.server = &http.Server{
		Handler:      g.handler,
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout),
	}

	srv, l := g.server, g.listener
	go func() {
		g.logger.Info("HTTP server listening", slog.String("addr", l.Addr().String()))
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}
