package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// ValidateConfig holds the input ceilings. Zero values take defaults.
type ValidateConfig struct {
	MaxBodyBytes         int64
	MaxHeaderCount       int
	MaxHeaderBytes       int
	MaxTotalHeaderBytes  int
	MaxIdempotencyKeyLen int
}

func (c ValidateConfig) withDefaults() ValidateConfig {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.MaxHeaderCount <= 0 {
		c.MaxHeaderCount = 100
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 8 << 10
	}
	if c.MaxTotalHeaderBytes <= 0 {
		c.MaxTotalHeaderBytes = 32 << 10
	}
	if c.MaxIdempotencyKeyLen <= 0 {
		c.MaxIdempotencyKeyLen = 255
	}
	return c
}

var (
	errInvalidUTF8  = errors.New("invalid UTF-8")
	errControlChars = errors.New("control characters are not allowed")
	errNUL          = errors.New("NUL bytes are not allowed")
)

type validateStage struct {
	cfg ValidateConfig
}

// NewValidateStage creates the input validation stage.
func NewValidateStage(cfg ValidateConfig) Stage {
	return &validateStage{cfg: cfg.withDefaults()}
}

func (s *validateStage) Name() string { return StageValidate }

// Process builds a canonical copy of the request and commits it to the
// exchange only if every check passes.
func (s *validateStage) Process(_ context.Context, ex *Exchange) Outcome {
	in := &ex.RC.Request

	if int64(len(in.Body)) > s.cfg.MaxBodyBytes {
		return fail(domain.ErrValidation(fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)).
			WithStatusCode(http.StatusRequestEntityTooLarge))
	}

	hdr, d := s.headers(in.Header)
	if d != nil {
		return fail(d)
	}

	path, err := sanitize(in.Path, false)
	if err != nil {
		return fail(domain.ErrValidation("invalid path: " + err.Error()))
	}
	if !strings.HasPrefix(path, "/") {
		return fail(domain.ErrValidation("path must be absolute"))
	}

	query, err := sanitizeQuery(in.RawQuery)
	if err != nil {
		return fail(domain.ErrValidation("invalid query: " + err.Error()))
	}

	version, err := sanitize(in.Version, false)
	if err != nil {
		return fail(domain.ErrValidation("invalid version: " + err.Error()))
	}

	if key := ex.RC.IdempotencyKey; key != "" {
		if len(key) > s.cfg.MaxIdempotencyKeyLen || !printableASCII(key) {
			return fail(domain.ErrValidation(fmt.Sprintf("idempotency key must be 1-%d printable ASCII characters", s.cfg.MaxIdempotencyKeyLen)))
		}
	}

	body := in.Body
	if len(body) > 0 && isTextual(hdr.Get("Content-Type")) {
		if !utf8.Valid(body) {
			return fail(domain.ErrValidation("invalid body: " + errInvalidUTF8.Error()))
		}
		for _, b := range body {
			if b == 0 {
				return fail(domain.ErrValidation("invalid body: " + errNUL.Error()))
			}
		}
		body = norm.NFC.Bytes(body)
	} else if len(body) > 0 {
		body = append([]byte(nil), body...)
	}

	ex.Request = &domain.Request{
		Method:     strings.ToUpper(in.Method),
		Path:       path,
		RawQuery:   query,
		Version:    version,
		Header:     hdr,
		Body:       body,
		RemoteAddr: in.RemoteAddr,
	}
	return next()
}

func (s *validateStage) headers(in http.Header) (http.Header, *domain.Disposition) {
	out := make(http.Header, len(in))
	count, total := 0, 0
	for name, values := range in {
		for _, v := range values {
			count++
			size := len(name) + len(v)
			if size > s.cfg.MaxHeaderBytes {
				return nil, domain.ErrValidation(fmt.Sprintf("header %s exceeds %d bytes", name, s.cfg.MaxHeaderBytes)).
					WithStatusCode(http.StatusRequestHeaderFieldsTooLarge)
			}
			total += size
			clean, err := sanitize(v, true)
			if err != nil {
				return nil, domain.ErrValidation(fmt.Sprintf("invalid header %s: %v", name, err))
			}
			out[name] = append(out[name], clean)
		}
	}
	if count > s.cfg.MaxHeaderCount {
		return nil, domain.ErrValidation(fmt.Sprintf("more than %d headers", s.cfg.MaxHeaderCount)).
			WithStatusCode(http.StatusRequestHeaderFieldsTooLarge)
	}
	if total > s.cfg.MaxTotalHeaderBytes {
		return nil, domain.ErrValidation(fmt.Sprintf("headers exceed %d bytes", s.cfg.MaxTotalHeaderBytes)).
			WithStatusCode(http.StatusRequestHeaderFieldsTooLarge)
	}
	return out, nil
}

// sanitize rejects invalid UTF-8 and C0/C1 control characters, then returns
// the NFC form. Tabs are allowed in header values.
func sanitize(s string, allowTab bool) (string, error) {
	if !utf8.ValidString(s) {
		return "", errInvalidUTF8
	}
	for _, r := range s {
		if r == '\t' && allowTab {
			continue
		}
		if r == 0 {
			return "", errNUL
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0) {
			return "", errControlChars
		}
	}
	return norm.NFC.String(s), nil
}

// sanitizeQuery checks the decoded keys and values; the raw query is kept
// encoded.
func sanitizeQuery(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	clean, err := sanitize(raw, false)
	if err != nil {
		return "", err
	}
	values, err := url.ParseQuery(clean)
	if err != nil {
		return "", errors.New("malformed query string")
	}
	for k, vs := range values {
		if _, err := sanitize(k, false); err != nil {
			return "", err
		}
		for _, v := range vs {
			if _, err := sanitize(v, false); err != nil {
				return "", err
			}
		}
	}
	return clean, nil
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func isTextual(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		mt == "application/x-www-form-urlencoded",
		strings.HasSuffix(mt, "+json"),
		strings.HasSuffix(mt, "+xml"):
		return true
	}
	return false
}
