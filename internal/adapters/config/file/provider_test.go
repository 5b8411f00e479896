package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/pkg/config"
)

const baseConfig = `
server:
  port: 8181
tiers:
  - name: standard
    burst_capacity: 10
    refill_rate: 1
`

func TestNewProvider_RequiresPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Fatal("NewProvider(\"\") should fail")
	}
}

func TestProvider_LoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(baseConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8181 || p.Current() != cfg {
		t.Fatalf("Load() port = %d", cfg.Server.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(c *config.Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// An invalid edit is ignored.
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	updated := baseConfig + "  - name: premium\n    burst_capacity: 100\n    refill_rate: 10\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Server.Port <= 0 {
				t.Fatalf("invalid config was delivered: %+v", c.Server)
			}
			if len(c.Tiers) == 2 {
				if p.Current() != c {
					t.Error("Current() not updated")
				}
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
