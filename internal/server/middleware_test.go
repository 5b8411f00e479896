package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/auth"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

type staticAuth map[string]*domain.Principal

func (s staticAuth) Authenticate(_ context.Context, key string) (*domain.Principal, error) {
	if p, ok := s[key]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidCredential
}

func errorCode(t *testing.T, body []byte) domain.DispositionCode {
	t.Helper()
	var out struct {
		Error struct {
			Code domain.DispositionCode `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return out.Error.Code
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name    string
		inbound string
		reuse   bool
	}{
		{name: "generated", inbound: "", reuse: false},
		{name: "inbound reused", inbound: "trace-abc-123", reuse: true},
		{name: "inbound with space replaced", inbound: "bad id", reuse: false},
		{name: "inbound too long replaced", inbound: strings.Repeat("a", 200), reuse: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.inbound != "" {
				req.Header.Set("X-Request-ID", tt.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" || rec.Header().Get("X-Request-ID") != seen {
				t.Fatalf("context id %q, header %q", seen, rec.Header().Get("X-Request-ID"))
			}
			if (seen == tt.inbound) != tt.reuse {
				t.Errorf("request id = %q, inbound %q, reuse %v", seen, tt.inbound, tt.reuse)
			}
		})
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		id := rec.Header().Get("X-Request-ID")
		if ids[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		ids[id] = true
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("no deadline set")
		}
		if time.Until(deadline) > 50*time.Millisecond {
			t.Error("deadline too far in the future")
		}
		<-r.Context().Done()
		if !errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			t.Errorf("ctx err = %v", r.Context().Err())
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestAuthMiddleware(t *testing.T) {
	authn := staticAuth{"good-key": {ConsumerID: "acme", Tier: "standard"}}
	var got *domain.Principal
	handler := RequestIDMiddleware(AuthMiddleware(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name   string
		header map[string]string
		status int
	}{
		{name: "bearer", header: map[string]string{"Authorization": "Bearer good-key"}, status: http.StatusNoContent},
		{name: "x-api-key", header: map[string]string{"X-API-Key": "good-key"}, status: http.StatusNoContent},
		{name: "invalid", header: map[string]string{"Authorization": "Bearer nope"}, status: http.StatusUnauthorized},
		{name: "missing", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest("GET", "/v1/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusUnauthorized {
				if got != nil {
					t.Error("handler ran without authentication")
				}
				if code := errorCode(t, rec.Body.Bytes()); code != domain.CodeUnauthenticated {
					t.Errorf("code = %s", code)
				}
				return
			}
			if got == nil || got.ConsumerID != "acme" {
				t.Errorf("principal = %+v", got)
			}
		})
	}
}

func TestGetPrincipal_NotSet(t *testing.T) {
	if p := GetPrincipal(context.Background()); p != nil {
		t.Errorf("GetPrincipal() = %+v, want nil", p)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "consumer_id", "acme")
		AddLogField(r.Context(), "empty", "")
		AddError(r.Context(), errors.New("upstream exploded"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("oops"))
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/things", nil))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log %q: %v", buf.String(), err)
	}
	if entry["msg"] != "request completed" || entry["level"] != "WARN" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(http.StatusBadGateway) || entry["bytes"] != float64(4) {
		t.Errorf("status/bytes = %v/%v", entry["status"], entry["bytes"])
	}
	if entry["consumer_id"] != "acme" || entry["error"] != "upstream exploded" {
		t.Errorf("fields = %v", entry)
	}
	if _, ok := entry["empty"]; ok {
		t.Error("empty field should be skipped")
	}
	if entry["request_id"] == "" {
		t.Error("missing request_id")
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), errors.New("x"))
}
