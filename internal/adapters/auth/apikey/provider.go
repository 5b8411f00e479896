// Package apikey authenticates consumers by hashed API keys from config.
package apikey

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/tjfontaine/resilient-gateway/internal/auth"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/config"
)

var (
	_ ports.Authenticator        = (*Provider)(nil)
	_ ports.SubscriptionRegistry = (*Provider)(nil)
)

type table struct {
	byHash        map[string]*domain.Principal // keyHash -> principal
	subscriptions map[string]ports.WebhookSubscription
}

// Provider maps API key hashes to principals. The consumer table is swapped
// atomically on reload.
type Provider struct {
	current atomic.Pointer[table]
}

// NewProvider builds a provider from the configured consumers.
func NewProvider(consumers []config.ConsumerConfig) (*Provider, error) {
	p := &Provider{}
	if err := p.Reload(consumers); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the consumer table. On error the previous table is kept.
func (p *Provider) Reload(consumers []config.ConsumerConfig) error {
	t := &table{
		byHash:        make(map[string]*domain.Principal),
		subscriptions: make(map[string]ports.WebhookSubscription),
	}

	for _, c := range consumers {
		principal := &domain.Principal{
			ConsumerID: c.ID,
			TenantID:   c.TenantID,
			Scopes:     slices.Clone(c.Scopes),
			Tier:       c.Tier,
		}
		for _, k := range c.APIKeys {
			hash := strings.ToLower(k.KeyHash)
			if owner, dup := t.byHash[hash]; dup {
				return fmt.Errorf("api key hash shared by consumers %q and %q", owner.ConsumerID, c.ID)
			}
			t.byHash[hash] = principal
		}
		if c.Webhook != nil {
			t.subscriptions[c.ID] = ports.WebhookSubscription{
				URL:       c.Webhook.URL,
				SecretRef: c.Webhook.SecretRef,
			}
		}
	}

	p.current.Store(t)
	return nil
}

// Authenticate resolves an API key to its consumer.
func (p *Provider) Authenticate(_ context.Context, credential string) (*domain.Principal, error) {
	principal, ok := p.current.Load().byHash[auth.HashAPIKey(credential)]
	if !ok {
		return nil, auth.ErrInvalidCredential
	}
	out := *principal
	out.Scopes = slices.Clone(principal.Scopes)
	return &out, nil
}

// Subscription returns the webhook registration of a consumer.
func (p *Provider) Subscription(consumerID string) (ports.WebhookSubscription, bool) {
	sub, ok := p.current.Load().subscriptions[consumerID]
	return sub, ok
}
