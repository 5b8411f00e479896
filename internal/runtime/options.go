package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tjfontaine/resilient-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger. Apply it before options that log.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithCoordinationStore overrides the coordination store selected by config.
func WithCoordinationStore(store ports.CoordinationStore) Option {
	return func(g *Gateway) error {
		g.coordination = store
		return nil
	}
}

// WithJobStore overrides the webhook job store selected by config.
func WithJobStore(store ports.JobStore) Option {
	return func(g *Gateway) error {
		g.jobs = store
		return nil
	}
}

// WithEventSink sets the audit event sink. The default logs events through
// a bounded asynchronous buffer.
func WithEventSink(sink ports.EventSink) Option {
	return func(g *Gateway) error {
		g.events = sink
		return nil
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) error {
		g.clock = clk
		return nil
	}
}

// WithBackend replaces the HTTP backend client.
func WithBackend(b ports.Backend) Option {
	return func(g *Gateway) error {
		g.backend = b
		return nil
	}
}

// WithListener serves on l instead of listening on the configured port.
func WithListener(l net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = l
		return nil
	}
}
