package settlement

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a settlement failure.
type ErrorKind string

const (
	KindConnect    ErrorKind = "connect"
	KindTimeout    ErrorKind = "timeout"
	KindHTTPStatus ErrorKind = "http_status"
	KindDecode     ErrorKind = "decode"
)

// Error describes a failed call to the settlement API.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		if e.Body != "" {
			return fmt.Sprintf("settlement %s: status %d: %s", e.Op, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("settlement %s: status %d", e.Op, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("settlement %s: timed out: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("settlement %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) *Error {
	kind := KindConnect
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
