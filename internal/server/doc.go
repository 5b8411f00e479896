/*
Package server exposes the gateway pipeline, the operator API and health
checks over HTTP.

# Middleware

Every route runs behind the same chain, in this order:
 1. RequestIDMiddleware reuses a well-formed inbound X-Request-ID or
    generates a UUID, stores it in the context (GetRequestID) and echoes it
    in the response.
 2. LoggingMiddleware logs request start at debug and completion at info
    (warn for 5xx). Handlers attach fields with AddLogField and AddError.
 3. TimeoutMiddleware bounds the whole request with a deadline.
 4. Recoverer turns handler panics into 500s.
 5. otelhttp starts a server span.

Gateway traffic additionally passes AuthMiddleware, which resolves the
caller's API key into a principal (GetPrincipal). The operator API under
/admin is mounted only when an admin key hash is configured and is guarded
by AdminAuthMiddleware.

# Context Keys

  - RequestIDKey: the request ID string
  - principal: the authenticated *domain.Principal
  - log fields: request-scoped logging fields

# Example Usage

	handler := NewRouter(Config{RequestTimeout: 30 * time.Second}, Dependencies{
		Pipeline:      orchestrator,
		Authenticator: authn,
		Jobs:          webhooks,
		Breakers:      breakers,
		Limiter:       limiter,
	})
	http.ListenAndServe(":8080", handler)
*/
package server
