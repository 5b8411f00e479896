package webhook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// ErrUnknownSecret is returned for a secret reference that cannot be resolved.
var ErrUnknownSecret = errors.New("unknown webhook secret")

const envPrefix = "env:"

// Secrets resolves HMAC secret references. "env:NAME" reads the environment
// variable NAME; any other reference is looked up in the static table.
type Secrets struct {
	static    atomic.Pointer[map[string]string]
	lookupEnv func(string) (string, bool)
}

var _ ports.SecretResolver = (*Secrets)(nil)

// NewSecrets creates a resolver over a static reference table.
func NewSecrets(static map[string]string) *Secrets {
	s := &Secrets{lookupEnv: os.LookupEnv}
	s.SetStatic(static)
	return s
}

// SetStatic replaces the static table.
func (s *Secrets) SetStatic(static map[string]string) {
	m := make(map[string]string, len(static))
	for k, v := range static {
		m[k] = v
	}
	s.static.Store(&m)
}

// Resolve implements ports.SecretResolver.
func (s *Secrets) Resolve(_ context.Context, ref string) ([]byte, error) {
	if name, ok := strings.CutPrefix(ref, envPrefix); ok {
		if v, ok := s.lookupEnv(name); ok && v != "" {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSecret, ref)
	}
	if v, ok := (*s.static.Load())[ref]; ok && v != "" {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSecret, ref)
}
