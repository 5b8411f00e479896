package domain

import (
	"fmt"
	"net/http"
	"time"
)

// DispositionCode is the closed taxonomy of terminal pipeline outcomes. The
// same codes are surfaced to callers and to the event sink.
type DispositionCode string

const (
	// CodeValidation indicates malformed, oversized or unsafe input.
	CodeValidation DispositionCode = "validation_error"

	// CodeUnauthenticated is produced by the authentication collaborator.
	CodeUnauthenticated DispositionCode = "unauthenticated"

	// CodeUnauthorized is produced by the authorization collaborator.
	CodeUnauthorized DispositionCode = "unauthorized"

	// CodeConflict indicates a duplicate in-flight idempotent request.
	CodeConflict DispositionCode = "conflict"

	// CodeRateLimited indicates the burst or daily quota is exhausted.
	CodeRateLimited DispositionCode = "rate_limited"

	// CodeNotFound indicates no route matched.
	CodeNotFound DispositionCode = "not_found"

	// CodeBackendUnavailable indicates an open circuit or exhausted retries.
	CodeBackendUnavailable DispositionCode = "backend_unavailable"

	// CodeTimeout indicates the backend did not answer in time.
	CodeTimeout DispositionCode = "timeout"

	// CodeInternal indicates an unexpected failure.
	CodeInternal DispositionCode = "internal_error"
)

// Disposition is a terminal, caller-visible pipeline outcome. Every stage
// failure is expressed as a Disposition; nothing else crosses the
// orchestrator boundary.
type Disposition struct {
	// Code is the stable machine-readable outcome.
	Code DispositionCode `json:"code"`

	// Message is safe to show to the caller.
	Message string `json:"message"`

	// StatusCode overrides the default status for Code when non-zero.
	StatusCode int `json:"-"`

	// RetryAfter is set for outcomes the caller may retry later.
	RetryAfter time.Duration `json:"-"`

	// Metadata carries extra response headers (e.g. quota information).
	Metadata map[string]string `json:"-"`

	// Stage names the pipeline stage that produced the disposition.
	Stage string `json:"-"`

	// Cause is the internal error, never rendered to callers.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (d *Disposition) Error() string {
	if d.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", d.Code, d.Message, d.Cause)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// Unwrap returns the internal cause.
func (d *Disposition) Unwrap() error {
	return d.Cause
}

// HTTPStatusCode returns the HTTP status code for this disposition.
func (d *Disposition) HTTPStatusCode() int {
	if d.StatusCode != 0 {
		return d.StatusCode
	}

	switch d.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request later.
func (d *Disposition) Retryable() bool {
	switch d.Code {
	case CodeRateLimited, CodeConflict, CodeBackendUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}

// NewDisposition creates a new disposition.
func NewDisposition(code DispositionCode, message string) *Disposition {
	return &Disposition{
		Code:    code,
		Message: message,
	}
}

// WithStatusCode sets a specific HTTP status code.
func (d *Disposition) WithStatusCode(code int) *Disposition {
	d.StatusCode = code
	return d
}

// WithRetryAfter sets the retry hint.
func (d *Disposition) WithRetryAfter(after time.Duration) *Disposition {
	d.RetryAfter = after
	return d
}

// WithMetadata adds a metadata entry.
func (d *Disposition) WithMetadata(key, value string) *Disposition {
	if d.Metadata == nil {
		d.Metadata = make(map[string]string)
	}
	d.Metadata[key] = value
	return d
}

// WithCause records the internal error.
func (d *Disposition) WithCause(err error) *Disposition {
	d.Cause = err
	return d
}

// WithStage records the producing stage.
func (d *Disposition) WithStage(stage string) *Disposition {
	d.Stage = stage
	return d
}

// Convenience constructors

// ErrValidation creates a validation disposition.
func ErrValidation(message string) *Disposition {
	return NewDisposition(CodeValidation, message)
}

// ErrUnauthenticated creates an unauthenticated disposition.
func ErrUnauthenticated(message string) *Disposition {
	return NewDisposition(CodeUnauthenticated, message)
}

// ErrUnauthorized creates an unauthorized disposition.
func ErrUnauthorized(message string) *Disposition {
	return NewDisposition(CodeUnauthorized, message)
}

// ErrConflict creates a conflict disposition.
func ErrConflict(message string) *Disposition {
	return NewDisposition(CodeConflict, message)
}

// ErrRateLimited creates a rate limited disposition.
func ErrRateLimited(message string, retryAfter time.Duration) *Disposition {
	return NewDisposition(CodeRateLimited, message).WithRetryAfter(retryAfter)
}

// ErrNotFound creates a not found disposition.
func ErrNotFound(message string) *Disposition {
	return NewDisposition(CodeNotFound, message)
}

// ErrBackendUnavailable creates a backend unavailable disposition.
func ErrBackendUnavailable(message string) *Disposition {
	return NewDisposition(CodeBackendUnavailable, message)
}

// ErrTimeout creates a timeout disposition.
func ErrTimeout(message string) *Disposition {
	return NewDisposition(CodeTimeout, message)
}

// ErrInternal creates an internal error disposition.
func ErrInternal(message string) *Disposition {
	return NewDisposition(CodeInternal, message)
}
