package breaker

import (
	"sort"
	"sync"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// Registry holds one breaker per backend target, created on first use.
type Registry struct {
	clock    clock.Clock
	onChange StateChangeFunc

	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, clk clock.Clock, onChange StateChangeFunc) *Registry {
	return &Registry{
		clock:    clk,
		onChange: onChange,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for backend, creating it if needed.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[backend]; ok {
		return b
	}
	b = New(backend, r.cfg, r.clock, r.onChange)
	r.breakers[backend] = b
	return b
}

// Lookup returns an existing breaker without creating one.
func (r *Registry) Lookup(backend string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[backend]
	return b, ok
}

// SetConfig applies cfg to existing and future breakers.
func (r *Registry) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	for _, b := range all {
		b.SetConfig(cfg)
	}
}

// Snapshots returns every breaker's snapshot ordered by backend name.
func (r *Registry) Snapshots() []domain.BreakerSnapshot {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make([]domain.BreakerSnapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
