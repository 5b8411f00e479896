package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// Config controls the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// AdminKeyHash enables /admin when set.
	AdminKeyHash string
	ServiceName  string
}

// Dependencies are the collaborators behind the routes. Pipeline and
// Authenticator are required.
type Dependencies struct {
	Pipeline      Processor
	Authenticator ports.Authenticator
	Jobs          JobAdmin
	Breakers      BreakerSnapshotter
	Limiter       BucketPeeker
	Logger        *slog.Logger
}

// NewRouter assembles the middleware chain and routes.
func NewRouter(cfg Config, deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "resilient-gateway"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, cfg.ServiceName)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.AdminKeyHash != "" {
		admin := NewAdminHandler(deps.Jobs, deps.Breakers, deps.Limiter, logger)
		r.With(AdminAuthMiddleware(cfg.AdminKeyHash)).Mount("/admin", admin.Routes())
	}

	gateway := NewGatewayHandler(deps.Pipeline, cfg.MaxBodyBytes, logger)
	r.With(AuthMiddleware(deps.Authenticator)).Handle("/*", gateway)

	return r
}
