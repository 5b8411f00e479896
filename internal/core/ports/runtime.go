// Package ports defines the core interfaces for the gateway. Adapters under
// internal/adapters and internal/storage implement them.
package ports

import (
	"context"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Authenticator resolves a presented credential to a principal. It is the
// boundary to the authentication collaborator.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*domain.Principal, error)
}

// EventSink receives audit events. Emit is fire-and-forget: the sink owns
// delivery guarantees and must not block the caller for long.
// Implementations: slog, async buffer, in-memory recorder.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
	Close() error
}

// Backend invokes an upstream target.
type Backend interface {
	Invoke(ctx context.Context, target domain.BackendTarget, req *domain.Request) (*domain.Response, error)
}

// SecretResolver turns a secret reference into key material.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// WebhookSubscription is a consumer's registered webhook endpoint.
type WebhookSubscription struct {
	URL       string
	SecretRef string
}

// SubscriptionRegistry looks up a consumer's webhook registration.
type SubscriptionRegistry interface {
	Subscription(consumerID string) (WebhookSubscription, bool)
}
