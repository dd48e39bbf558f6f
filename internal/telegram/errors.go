package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a failed Bot API call. The worker and supervisor
// branch on it: auth errors stop a worker, conflicts feed the backoff
// ladder, everything else is transient.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth              // 401: invalid or revoked token, never retried
	KindConflict          // 409: another poller or a webhook is active
	KindTimeout
	KindNetwork
	KindServer // 5xx
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// APIError is a classified failure of one Bot API method call.
type APIError struct {
	Kind        ErrorKind
	Method      string
	StatusCode  int
	Description string
	Err         error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s: %s (%s)", e.Method, e.Description, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("telegram %s: %v (%s)", e.Method, e.Err, e.Kind)
	}
	return fmt.Sprintf("telegram %s: %s", e.Method, e.Kind)
}

// Unwrap returns the underlying error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may be attempted again. Auth errors
// require operator intervention and are final.
func (e *APIError) Retryable() bool {
	return e.Kind != KindAuth
}

// KindOf extracts the classification from an error chain. Errors that are
// not APIErrors are reported as KindUnknown.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// classifyStatus maps an HTTP status plus API description to an ErrorKind.
func classifyStatus(statusCode int, description string) ErrorKind {
	switch {
	case statusCode == 401:
		return KindAuth
	case statusCode == 409:
		return KindConflict
	case statusCode >= 500:
		return KindServer
	}
	desc := strings.ToLower(description)
	if strings.Contains(desc, "unauthorized") {
		return KindAuth
	}
	if strings.Contains(desc, "conflict") {
		return KindConflict
	}
	return KindUnknown
}

// classifyTransport maps a transport-level error to an ErrorKind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindNetwork
}
