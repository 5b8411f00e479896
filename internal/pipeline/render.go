package pipeline

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// Response header names added by the pipeline.
const (
	HeaderRequestID          = "X-Request-ID"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderReplayed           = "Idempotency-Replayed"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          domain.DispositionCode `json:"code"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// RenderDisposition builds the caller-visible error response for d. Only
// the code and the safe message are exposed.
func RenderDisposition(requestID string, d *domain.Disposition) *domain.Response {
	body, _ := json.Marshal(errorBody{Error: errorDetail{
		Code:          d.Code,
		Message:       d.Message,
		CorrelationID: requestID,
	}})

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if requestID != "" {
		h.Set(HeaderRequestID, requestID)
	}
	if d.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
	}
	for k, v := range d.Metadata {
		h.Set(k, v)
	}
	return &domain.Response{
		StatusCode: d.HTTPStatusCode(),
		Header:     h,
		Body:       body,
	}
}

func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func setRateLimitHeaders(h http.Header, dec *domain.RateLimitDecision) {
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(dec.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(dec.Remaining, 10))
	if !dec.ResetAt.IsZero() {
		h.Set(HeaderRateLimitReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}
}
