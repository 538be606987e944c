package ap2

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Authenticator validates bearer API keys before the request reaches the
// executor.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) error
}

// AuthenticatorFunc lifts bare functions into [Authenticator].
type AuthenticatorFunc func(ctx context.Context, apiKey string) error

// Authenticate validates the API key using the wrapped function.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, apiKey string) error {
	return f(ctx, apiKey)
}

// StaticKeys accepts any of a fixed set of API keys.
type StaticKeys []string

// Authenticate compares apiKey against every configured key in constant time.
func (k StaticKeys) Authenticate(_ context.Context, apiKey string) error {
	match := 0
	for _, key := range k {
		match |= subtle.ConstantTimeCompare([]byte(key), []byte(apiKey))
	}
	if match == 1 {
		return nil
	}
	return NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "invalid API key")
}

func (h *AgentHandler) authenticationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.authenticator == nil {
			next(w, r)
			return
		}
		apiKey, apiErr := bearerKey(r.Header.Get("Authorization"))
		if apiErr != nil {
			writeJSONError(w, apiErr)
			return
		}
		if err := h.cfg.authenticator.Authenticate(r.Context(), apiKey); err != nil {
			var httpErr *Error
			if errors.As(err, &httpErr) {
				writeJSONError(w, httpErr)
				return
			}
			writeJSONError(w, NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "invalid API key"))
			return
		}
		next(w, r)
	}
}

func bearerKey(header string) (string, *Error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", NewHTTPError(http.StatusUnauthorized, InvalidRequest, MissingAuthorization, "Authorization header is required")
	}
	schema, apiKey, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(schema, "Bearer") {
		return "", NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "Authorization header must be in the format 'Bearer <api_key>'")
	}
	if strings.TrimSpace(apiKey) == "" {
		return "", NewHTTPError(http.StatusUnauthorized, InvalidRequest, InvalidAuthorization, "API key is required")
	}
	return strings.TrimSpace(apiKey), nil
}
