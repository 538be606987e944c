package ap2

import (
	"context"
	"net/http"
	"strings"
)

type RequestContext struct {
	// API key of the calling agent.
	//
	// Example: Bearer api_key_123
	Authorization string
	// Information about the client making this request
	//
	// Example: soho-payment-processor/1.0
	UserAgent string
	// Unique key for each request for tracing purposes
	//
	// Example: request_id_123
	RequestID string
	// Base64url encoded signature of the canonical request body
	//
	// Example: eyJtZX...
	Signature string
	// Formatted as an RFC 3339 string.
	//
	// Example: 2025-11-23T21:20:53Z
	Timestamp string
	// API version
	//
	// Example: 2025-11-01
	APIVersion string
	// Protocol extensions the caller activated, comma separated.
	//
	// Example: https://github.com/google-agentic-commerce/ap2/v1
	Extensions []string
}

func requestContextFromRequest(r *http.Request) *RequestContext {
	return &RequestContext{
		Authorization: strings.TrimSpace(r.Header.Get("Authorization")),
		UserAgent:     strings.TrimSpace(r.Header.Get("User-Agent")),
		RequestID:     strings.TrimSpace(r.Header.Get("Request-Id")),
		Signature:     strings.TrimSpace(r.Header.Get("Signature")),
		Timestamp:     strings.TrimSpace(r.Header.Get("Timestamp")),
		APIVersion:    strings.TrimSpace(r.Header.Get("API-Version")),
		Extensions:    splitHeaderList(r.Header.Get("X-A2A-Extensions")),
	}
}

func splitHeaderList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

type requestContextKey struct{}

func contextWithRequestContext(ctx context.Context, requestCtx *RequestContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if requestCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, requestCtx)
}

// RequestContextFromContext extracts the HTTP request metadata previously stored in the context.
func RequestContextFromContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return nil
	}
	if requestCtx, ok := ctx.Value(requestContextKey{}).(*RequestContext); ok {
		return requestCtx
	}
	return nil
}
