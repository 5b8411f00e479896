package runtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/adapters/events/memory"
	"github.com/tjfontaine/resilient-gateway/internal/auth"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/pkg/config"
	jobmemory "github.com/tjfontaine/resilient-gateway/internal/storage/memory"
)

const testKey = "sk-test-runtime"

type countingBackend struct {
	calls atomic.Int64
}

func (b *countingBackend) Invoke(_ context.Context, target domain.BackendTarget, req *domain.Request) (*domain.Response, error) {
	b.calls.Add(1)
	return &domain.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"target":"` + target.Name + `"}`),
	}, nil
}

func writeConfig(t *testing.T, burst int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 18080
storage:
  type: memory
tiers:
  - name: standard
    burst_capacity: ` + strconv.Itoa(burst) + `
    refill_rate: 1
routes:
  - name: orders
    path: /v1/orders/*
    targets:
      - name: orders-a
        url: http://orders.internal
consumers:
  - id: acme
    tenant_id: t1
    tier: standard
    api_keys:
      - key_hash: ` + auth.HashAPIKey(testKey) + `
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startGateway(t *testing.T, be *countingBackend, burst int) *Gateway {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	gw, err := New(
		WithLogger(quietLogger()),
		WithFileConfig(writeConfig(t, burst)),
		WithListener(l),
		WithJobStore(jobmemory.New()),
		WithEventSink(memory.NewRecorder()),
		WithBackend(be),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return gw
}

func get(t *testing.T, gw *Gateway, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+gw.Addr().String()+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNew_RequiresConfigProvider(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("New() without config provider should fail")
	}
	if !strings.Contains(err.Error(), "config provider required") {
		t.Errorf("error = %v", err)
	}
}

func TestNew_RejectsNilLogger(t *testing.T) {
	if _, err := New(WithLogger(nil)); err == nil {
		t.Fatal("WithLogger(nil) should fail")
	}
}

func TestGateway_ServesAuthenticatedTraffic(t *testing.T) {
	be := &countingBackend{}
	gw := startGateway(t, be, 100)

	if resp := get(t, gw, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	if resp := get(t, gw, "/v1/orders/1", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp := get(t, gw, "/v1/orders/1", testKey)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"target":"orders-a"}` {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if resp.Header.Get("X-RateLimit-Limit") != "100" {
		t.Errorf("X-RateLimit-Limit = %q", resp.Header.Get("X-RateLimit-Limit"))
	}

	if resp := get(t, gw, "/v1/unknown", testKey); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unrouted status = %d, want 404", resp.StatusCode)
	}
	if be.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", be.calls.Load())
	}
}

func TestGateway_RateLimited(t *testing.T) {
	be := &countingBackend{}
	gw := startGateway(t, be, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, get(t, gw, "/v1/orders/1", testKey).StatusCode)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}
	if be.calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", be.calls.Load())
	}
}

func TestGateway_ReloadSwapsRoutesAtomically(t *testing.T) {
	gw := startGateway(t, &countingBackend{}, 100)

	cfg, err := config.Load(writeConfig(t, 100))
	if err != nil {
		t.Fatal(err)
	}

	bad := *cfg
	bad.Routes = append([]config.RouteConfig(nil), cfg.Routes...)
	bad.Routes[0].Path = "no-leading-slash"
	if err := gw.Reload(&bad); err == nil {
		t.Fatal("Reload() with invalid route should fail")
	}
	if resp := get(t, gw, "/v1/orders/1", testKey); resp.StatusCode != http.StatusOK {
		t.Fatalf("after failed reload status = %d, want 200", resp.StatusCode)
	}

	next := *cfg
	next.Routes = []config.RouteConfig{{
		Name:    "invoices",
		Path:    "/v1/invoices/*",
		Targets: []config.TargetConfig{{Name: "inv", URL: "http://invoices.internal"}},
	}}
	if err := gw.Reload(&next); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if resp := get(t, gw, "/v1/orders/1", testKey); resp.StatusCode != http.StatusNotFound {
		t.Errorf("old route status = %d, want 404", resp.StatusCode)
	}
	if resp := get(t, gw, "/v1/invoices/9", testKey); resp.StatusCode != http.StatusOK {
		t.Errorf("new route status = %d, want 200", resp.StatusCode)
	}
}

func TestGateway_StartTwice(t *testing.T) {
	gw := startGateway(t, &countingBackend{}, 10)
	if err := gw.Start(context.Background()); err == nil {
		t.Fatal("second Start() should fail")
	}
}
