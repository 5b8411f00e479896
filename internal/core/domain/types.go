// Package domain defines the canonical types that flow through the gateway
// pipeline, independent of transport and storage.
package domain

import (
	"net/http"
	"strings"
)

// Principal is the authenticated caller identity supplied by the
// authentication collaborator. The pipeline treats it as opaque.
type Principal struct {
	ConsumerID string   `json:"consumer_id"`
	TenantID   string   `json:"tenant_id"`
	Scopes     []string `json:"scopes,omitempty"`
	Tier       string   `json:"tier"`
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Request is the inbound request as received at the gateway edge.
type Request struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	RawQuery   string      `json:"raw_query,omitempty"`
	Version    string      `json:"version,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
}

// RequestContext is created once per inbound request at pipeline entry.
// It is never mutated after authentication and never persisted.
type RequestContext struct {
	RequestID      string
	Principal      Principal
	IdempotencyKey string
	// CostUnits overrides the route cost when positive.
	CostUnits int64
	Request   Request
}

// IsMutating reports whether the request method changes server state.
func (rc *RequestContext) IsMutating() bool {
	return IsMutatingMethod(rc.Request.Method)
}

// IsMutatingMethod reports whether method is one of the state-changing verbs.
func IsMutatingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// IsIdempotentMethod reports whether repeating method has the same effect as
// issuing it once, per RFC 9110 §9.2.2.
func IsIdempotentMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Response is a complete HTTP-style response, either produced by a backend or
// synthesized by the gateway.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// IsSuccess reports whether the status code is in the 2xx class.
func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}
