package ap2

import (
	"net/http"
	"time"
)

// ErrorType mirrors the error.type field returned by agents.
type ErrorType string

const (
	InvalidRequest     ErrorType = "invalid_request"     // Missing or malformed field.
	InvalidCredential  ErrorType = "invalid_credential"  // Token or mandate mismatch.
	ProcessingError    ErrorType = "processing_error"    // Downstream peer or network failure.
	RateLimitExceeded  ErrorType = "rate_limit_exceeded" // Too many requests.
	ServiceUnavailable ErrorType = "service_unavailable" // Temporary outage or maintenance.
)

// ErrorCode is a machine-readable identifier for the specific failure.
type ErrorCode string

const (
	NotFound             ErrorCode = "not_found"          // Account, alias or token absent.
	CredentialMismatch   ErrorCode = "invalid_credential" // Token unknown, unbound or bound to another mandate.
	MissingField         ErrorCode = "missing_field"      // Required request input absent.
	EmptyArtifact        ErrorCode = "empty_artifact"     // Peer returned no usable structured payload.
	SettlementFailed     ErrorCode = "settlement_failed"  // External ledger call failed.
	UnknownOperation     ErrorCode = "unknown_operation"
	InvalidSignature     ErrorCode = "invalid_signature"     // Signature is missing or does not match the payload.
	SignatureRequired    ErrorCode = "signature_required"    // Signed requests are required but headers were missing.
	StaleTimestamp       ErrorCode = "stale_timestamp"       // Timestamp skew exceeded the allowed window.
	MissingAuthorization ErrorCode = "missing_authorization" // Authorization header missing.
	InvalidAuthorization ErrorCode = "invalid_authorization" // Authorization header malformed or API key invalid.
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrNotFound          = &Error{Type: InvalidRequest, Code: NotFound}
	ErrInvalidCredential = &Error{Type: InvalidCredential, Code: CredentialMismatch}
	ErrMissingField      = &Error{Type: InvalidRequest, Code: MissingField}
	ErrEmptyArtifact     = &Error{Type: ProcessingError, Code: EmptyArtifact}
	ErrSettlement        = &Error{Type: ProcessingError, Code: SettlementFailed}
)

// Error represents a structured agent error payload.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Param   *string   `json:"param,omitempty"`

	status     int           `json:"-"`
	retryAfter time.Duration `json:"-"`
}

// Error makes *Error satisfy the stdlib error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// StatusCode returns the HTTP status associated with the error.
func (e *Error) StatusCode() int {
	if e == nil || e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// RetryAfter returns the duration clients should wait before retrying.
func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

type errorOption func(*Error)

// WithOffendingParam sets the JSON path for the field that triggered the error.
func WithOffendingParam(jsonPath string) errorOption {
	return func(er *Error) {
		er.Param = &jsonPath
	}
}

// WithStatusCode overrides the HTTP status code returned to the client.
func WithStatusCode(status int) errorOption {
	return func(er *Error) {
		er.status = status
	}
}

// WithRetryAfter specifies how long clients should wait before retrying.
func WithRetryAfter(d time.Duration) errorOption {
	return func(er *Error) {
		er.retryAfter = d
	}
}

// NewNotFoundError reports an absent account, payment-method alias or token.
func NewNotFoundError(message string, opts ...errorOption) *Error {
	return newError(InvalidRequest, NotFound, message, append([]errorOption{WithStatusCode(http.StatusNotFound)}, opts...)...)
}

// NewInvalidCredentialError reports a token that failed verification.
func NewInvalidCredentialError(message string, opts ...errorOption) *Error {
	return newError(InvalidCredential, CredentialMismatch, message, append([]errorOption{WithStatusCode(http.StatusForbidden)}, opts...)...)
}

// NewMissingFieldError reports a required request input that was not supplied.
func NewMissingFieldError(field string, opts ...errorOption) *Error {
	return newError(InvalidRequest, MissingField, field+" is required", append([]errorOption{WithStatusCode(http.StatusBadRequest), WithOffendingParam(field)}, opts...)...)
}

// NewEmptyArtifactError reports a peer response without a structured payload.
func NewEmptyArtifactError(message string, opts ...errorOption) *Error {
	return newError(ProcessingError, EmptyArtifact, message, append([]errorOption{WithStatusCode(http.StatusBadGateway)}, opts...)...)
}

// NewSettlementError reports a failed call to the external settlement ledger.
func NewSettlementError(message string, opts ...errorOption) *Error {
	return newError(ProcessingError, SettlementFailed, message, append([]errorOption{WithStatusCode(http.StatusBadGateway)}, opts...)...)
}

// NewRateLimitExceededError builds a Too Many Requests error payload.
func NewRateLimitExceededError(message string, opts ...errorOption) *Error {
	return newError(RateLimitExceeded, ErrorCode(RateLimitExceeded), message, append([]errorOption{WithStatusCode(http.StatusTooManyRequests)}, opts...)...)
}

// NewServiceUnavailableError builds a Service Unavailable error payload.
func NewServiceUnavailableError(message string, opts ...errorOption) *Error {
	return newError(ServiceUnavailable, ErrorCode(ServiceUnavailable), message, append([]errorOption{WithStatusCode(http.StatusServiceUnavailable)}, opts...)...)
}

// NewInvalidRequestError builds a Bad Request error payload.
func NewInvalidRequestError(message string, opts ...errorOption) *Error {
	return newError(InvalidRequest, ErrorCode(InvalidRequest), message, append([]errorOption{WithStatusCode(http.StatusBadRequest)}, opts...)...)
}

// NewProcessingError builds an Internal Server Error payload.
func NewProcessingError(message string, opts ...errorOption) *Error {
	return newError(ProcessingError, ErrorCode(ProcessingError), message, append([]errorOption{WithStatusCode(http.StatusInternalServerError)}, opts...)...)
}

// NewHTTPError allows callers to control the status code explicitly.
func NewHTTPError(status int, typ ErrorType, code ErrorCode, message string, opts ...errorOption) *Error {
	return newError(typ, code, message, append(opts, WithStatusCode(status))...)
}

// newError builds a typed error payload.
func newError(typ ErrorType, code ErrorCode, message string, opts ...errorOption) *Error {
	errPayload := &Error{
		Type:    typ,
		Code:    code,
		Message: message,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(errPayload)
	}
	return errPayload
}
