package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/resilient-gateway/internal/auth"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
	"github.com/tjfontaine/resilient-gateway/internal/pipeline"
)

type contextKey string

// RequestIDKey is the context key for request IDs.
const RequestIDKey contextKey = "request_id"

type principalKey struct{}

const maxRequestIDLen = 128

// RequestIDMiddleware assigns each request an ID, reusing a well-formed
// inbound X-Request-ID. The ID is stored in the context and echoed in the
// response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(pipeline.HeaderRequestID)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set(pipeline.HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// GetRequestID retrieves the request ID from context.
// Returns an empty string if no request ID is set.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// TimeoutMiddleware bounds the request context. Handlers observe the
// deadline cooperatively.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthMiddleware authenticates the API key and stores the principal in the
// context. Failures are rendered as unauthenticated dispositions.
func AuthMiddleware(authenticator ports.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(ctx, err)
				writeDisposition(w, GetRequestID(ctx), domain.ErrUnauthenticated(err.Error()))
				return
			}

			principal, err := authenticator.Authenticate(ctx, key)
			if err != nil {
				AddError(ctx, err)
				writeDisposition(w, GetRequestID(ctx), domain.ErrUnauthenticated("invalid API key"))
				return
			}

			AddLogField(ctx, "consumer_id", principal.ConsumerID)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, principal)))
		})
	}
}

// GetPrincipal returns the authenticated principal, or nil.
func GetPrincipal(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalKey{}).(*domain.Principal)
	return p
}

// AdminAuthMiddleware admits requests whose API key hashes to keyHash.
func AdminAuthMiddleware(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := auth.ExtractAPIKey(r)
			if err != nil || !auth.MatchesHash(key, keyHash) {
				writeDisposition(w, GetRequestID(r.Context()), domain.ErrUnauthenticated("admin credentials required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDisposition(w http.ResponseWriter, requestID string, d *domain.Disposition) {
	writeResponse(w, pipeline.RenderDisposition(requestID, d))
}

func writeResponse(w http.ResponseWriter, resp *domain.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
