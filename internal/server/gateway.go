package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/pipeline"
)

const (
	// HeaderIdempotencyKey carries the caller's idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderAPIVersion selects a versioned route.
	HeaderAPIVersion = "X-API-Version"
)

// Gateway credentials are never forwarded to backends.
var credentialHeaders = []string{"Authorization", "X-Api-Key", "Cookie"}

// Processor runs a request through the pipeline.
type Processor interface {
	Process(ctx context.Context, rc *domain.RequestContext) *pipeline.Result
}

var _ Processor = (*pipeline.Orchestrator)(nil)

// GatewayHandler adapts HTTP requests to the pipeline.
type GatewayHandler struct {
	pipeline Processor
	maxBody  int64
	logger   *slog.Logger
}

// NewGatewayHandler creates the catch-all gateway handler. Bodies are read up
// to maxBody+1 bytes so the pipeline can reject oversized input itself.
func NewGatewayHandler(p Processor, maxBody int64, logger *slog.Logger) *GatewayHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayHandler{pipeline: p, maxBody: maxBody, logger: logger}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := GetRequestID(ctx)

	principal := GetPrincipal(ctx)
	if principal == nil {
		writeDisposition(w, requestID, domain.ErrUnauthenticated("authentication required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		AddError(ctx, err)
		writeDisposition(w, requestID, domain.ErrValidation("unreadable request body"))
		return
	}

	header := r.Header.Clone()
	for _, name := range credentialHeaders {
		header.Del(name)
	}

	rc := &domain.RequestContext{
		RequestID:      requestID,
		Principal:      *principal,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Request: domain.Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			RawQuery:   r.URL.RawQuery,
			Version:    r.Header.Get(HeaderAPIVersion),
			Header:     header,
			Body:       body,
			RemoteAddr: r.RemoteAddr,
		},
	}

	res := h.pipeline.Process(ctx, rc)
	if d := res.Disposition; d != nil {
		AddLogField(ctx, "disposition", string(d.Code))
		AddLogField(ctx, "stage", d.Stage)
	}
	AddLogField(ctx, "target", res.Target)
	if res.Attempts > 0 {
		AddLogField(ctx, "attempts", strconv.Itoa(res.Attempts))
	}
	if res.Replayed {
		AddLogField(ctx, "replayed", "true")
	}
	AddLogField(ctx, "operation_id", res.OperationID)

	writeResponse(w, res.Response)
}
