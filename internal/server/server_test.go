package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/auth"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/pipeline"
	"github.com/tjfontaine/resilient-gateway/internal/ratelimit"
	"github.com/tjfontaine/resilient-gateway/internal/webhook"
)

type recordingPipeline struct {
	got    *domain.RequestContext
	result *pipeline.Result
}

func (p *recordingPipeline) Process(_ context.Context, rc *domain.RequestContext) *pipeline.Result {
	p.got = rc
	if p.result != nil {
		return p.result
	}
	return &pipeline.Result{Response: &domain.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"ok":true}`),
	}}
}

type fakeJobs struct {
	jobs map[string]*domain.WebhookDeliveryJob
}

func (f *fakeJobs) Get(_ context.Context, id string) (*domain.WebhookDeliveryJob, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, ports.ErrJobNotFound
}

func (f *fakeJobs) List(_ context.Context, filter ports.JobFilter) ([]*domain.WebhookDeliveryJob, error) {
	var out []*domain.WebhookDeliveryJob
	for _, j := range f.jobs {
		if filter.Status == "" || j.Status == filter.Status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) Redeliver(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error) {
	j, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != domain.JobDeadLettered {
		return nil, webhook.ErrNotDeadLettered
	}
	j.Status = domain.JobPending
	j.AttemptCount = 0
	return j, nil
}

type fakeBreakers []domain.BreakerSnapshot

func (f fakeBreakers) Snapshots() []domain.BreakerSnapshot { return f }

type fakePeeker struct{}

func (fakePeeker) Peek(_ context.Context, consumer, tier string) (domain.RateLimitState, domain.RateLimitDecision, error) {
	if tier != "standard" {
		return domain.RateLimitState{}, domain.RateLimitDecision{}, fmt.Errorf("%w: %q", ratelimit.ErrUnknownTier, tier)
	}
	return domain.RateLimitState{TokensRemaining: 7}, domain.RateLimitDecision{Limit: 10, Remaining: 7, Admitted: true}, nil
}

const adminKey = "admin-secret"

func newTestServer(t *testing.T, p Processor) *httptest.Server {
	t.Helper()
	jobs := &fakeJobs{jobs: map[string]*domain.WebhookDeliveryJob{
		"dead-1":    {ID: "dead-1", Status: domain.JobDeadLettered, AttemptCount: 5, MaxAttempts: 5},
		"pending-1": {ID: "pending-1", Status: domain.JobPending},
	}}
	handler := NewRouter(Config{
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   16,
		AdminKeyHash:   auth.HashAPIKey(adminKey),
	}, Dependencies{
		Pipeline:      p,
		Authenticator: staticAuth{"consumer-key": {ConsumerID: "acme", TenantID: "t1", Tier: "standard"}},
		Jobs:          jobs,
		Breakers:      fakeBreakers{{Backend: "orders-a", State: domain.BreakerOpen}},
		Limiter:       fakePeeker{},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, key string, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestGateway_BuildsRequestContext(t *testing.T) {
	p := &recordingPipeline{}
	srv := newTestServer(t, p)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/orders/42?expand=items", "consumer-key", `{"qty":1}`,
		"Idempotency-Key", "idem-1",
		"X-API-Version", "2024-01-01",
		"Content-Type", "application/json",
		"Cookie", "session=1")

	if resp.StatusCode != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("response = %d %s", resp.StatusCode, body)
	}
	rc := p.got
	if rc == nil {
		t.Fatal("pipeline not called")
	}
	if rc.Principal.ConsumerID != "acme" || rc.IdempotencyKey != "idem-1" {
		t.Errorf("rc = %+v", rc)
	}
	if rc.Request.Path != "/v1/orders/42" || rc.Request.RawQuery != "expand=items" || rc.Request.Version != "2024-01-01" {
		t.Errorf("request = %+v", rc.Request)
	}
	if string(rc.Request.Body) != `{"qty":1}` {
		t.Errorf("body = %q", rc.Request.Body)
	}
	if rc.Request.Header.Get("Authorization") != "" || rc.Request.Header.Get("Cookie") != "" {
		t.Error("credentials forwarded to the pipeline")
	}
	if rc.RequestID == "" || resp.Header.Get("X-Request-ID") != rc.RequestID {
		t.Errorf("request id = %q, header %q", rc.RequestID, resp.Header.Get("X-Request-ID"))
	}
}

func TestGateway_OversizedBodyReachesPipelineTruncated(t *testing.T) {
	p := &recordingPipeline{}
	srv := newTestServer(t, p)

	do(t, http.MethodPost, srv.URL+"/v1/upload", "consumer-key", strings.Repeat("x", 100))
	if got := len(p.got.Request.Body); got != 17 {
		t.Errorf("body length = %d, want limit+1", got)
	}
}

func TestGateway_RendersDisposition(t *testing.T) {
	d := domain.ErrRateLimited("slow down", 2*time.Second)
	p := &recordingPipeline{result: &pipeline.Result{
		Disposition: d,
		Response:    pipeline.RenderDisposition("rid", d),
	}}
	srv := newTestServer(t, p)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/x", "consumer-key", "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "2" {
		t.Errorf("response = %d Retry-After=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	if code := errorCode(t, body); code != domain.CodeRateLimited {
		t.Errorf("code = %s", code)
	}
}

func TestGateway_RequiresAuthentication(t *testing.T) {
	p := &recordingPipeline{}
	srv := newTestServer(t, p)

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/x", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if p.got != nil {
		t.Error("pipeline called without authentication")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &recordingPipeline{})
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}
}

func TestAdmin(t *testing.T) {
	srv := newTestServer(t, &recordingPipeline{})

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		status int
		check  func(t *testing.T, body []byte)
	}{
		{name: "no credentials", method: "GET", path: "/admin/breakers", status: http.StatusUnauthorized},
		{name: "consumer key rejected", method: "GET", path: "/admin/breakers", key: "consumer-key", status: http.StatusUnauthorized},
		{
			name: "list dead letters", method: "GET", path: "/admin/webhooks?status=DEAD_LETTERED", key: adminKey, status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var out jobList
				json.Unmarshal(body, &out)
				if len(out.Jobs) != 1 || out.Jobs[0].ID != "dead-1" {
					t.Errorf("jobs = %s", body)
				}
			},
		},
		{name: "bad status filter", method: "GET", path: "/admin/webhooks?status=LOST", key: adminKey, status: http.StatusBadRequest},
		{name: "bad limit", method: "GET", path: "/admin/webhooks?limit=0", key: adminKey, status: http.StatusBadRequest},
		{name: "get missing job", method: "GET", path: "/admin/webhooks/nope", key: adminKey, status: http.StatusNotFound},
		{name: "redeliver pending job", method: "POST", path: "/admin/webhooks/pending-1/redeliver", key: adminKey, status: http.StatusConflict},
		{
			name: "redeliver dead letter", method: "POST", path: "/admin/webhooks/dead-1/redeliver", key: adminKey, status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var job domain.WebhookDeliveryJob
				json.Unmarshal(body, &job)
				if job.Status != domain.JobPending || job.AttemptCount != 0 {
					t.Errorf("job = %+v", job)
				}
			},
		},
		{
			name: "breakers", method: "GET", path: "/admin/breakers", key: adminKey, status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				if !strings.Contains(string(body), `"state":"OPEN"`) {
					t.Errorf("breakers = %s", body)
				}
			},
		},
		{
			name: "peek bucket", method: "GET", path: "/admin/ratelimit/acme/standard", key: adminKey, status: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var out bucketView
				json.Unmarshal(body, &out)
				if out.ConsumerID != "acme" || out.Decision.Remaining != 7 {
					t.Errorf("bucket = %s", body)
				}
			},
		},
		{name: "peek unknown tier", method: "GET", path: "/admin/ratelimit/acme/gold", key: adminKey, status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.key, "")
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestAdmin_DisabledWithoutKeyHash(t *testing.T) {
	p := &recordingPipeline{}
	handler := NewRouter(Config{}, Dependencies{
		Pipeline:      p,
		Authenticator: staticAuth{"consumer-key": {ConsumerID: "acme"}},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer consumer-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if p.got == nil || p.got.Request.Path != "/admin/breakers" {
		t.Error("with admin disabled the path should reach the gateway")
	}
}
