package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error codes used across the gateway. Codes, not Go types, are the unit of
// classification: they travel through logs, metrics labels, and the client
// error envelope unchanged.
const (
	CodeInvalidRequest        = "invalid_request_error"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeCapabilityUnsupported = "capability_unsupported"
	CodeNoProvidersAvailable  = "no_providers_available"
	CodeUpstreamTimeout       = "upstream_timeout"
	CodeUpstreamTransport     = "upstream_transport"
	CodeUpstreamServerError   = "upstream_server_error"
	CodeUpstreamThrottled     = "upstream_throttled"
	CodeUpstreamClientError   = "upstream_client_error"
	CodeProviderUnavailable   = "provider_unavailable"
	CodeInternalError         = "internal_error"
)

// Error is the structured error every adapter returns for upstream failures.
// Status carries the upstream HTTP status when one was observed, 0 otherwise.
type Error struct {
	Provider string
	Code     string
	Message  string
	Status   int
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (code=%s, status=%d)", e.Provider, e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s (code=%s)", e.Provider, e.Message, e.Code)
}

// HTTPStatus implements the status-coder contract used by ingress.
func (e *Error) HTTPStatus() int { return e.Status }

// NewError builds an adapter error with the code derived from the upstream
// HTTP status.
func NewError(provider string, status int, message string) *Error {
	return &Error{
		Provider: provider,
		Code:     CodeForStatus(status),
		Message:  message,
		Status:   status,
	}
}

// CodeForStatus maps an upstream HTTP status to the taxonomy code.
func CodeForStatus(status int) string {
	switch {
	case status == 429:
		return CodeUpstreamThrottled
	case status >= 500:
		return CodeUpstreamServerError
	case status >= 400:
		return CodeUpstreamClientError
	default:
		return CodeInternalError
	}
}

// WrapTransport classifies a transport-level failure (no HTTP status was
// observed): deadline and net timeouts become upstream_timeout, everything
// else upstream_transport.
func WrapTransport(provider string, err error) *Error {
	code := CodeUpstreamTransport
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeUpstreamTimeout
	} else {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			code = CodeUpstreamTimeout
		}
	}
	return &Error{Provider: provider, Code: code, Message: err.Error()}
}

// retryableCodes are the taxonomy codes the router retries in place.
var retryableCodes = map[string]bool{
	CodeUpstreamTimeout:     true,
	CodeUpstreamTransport:   true,
	CodeUpstreamServerError: true,
	CodeUpstreamThrottled:   true,
}

// retryableSubstrings is the fallback classifier for errors that arrive
// without a taxonomy code, e.g. raw transport errors wrapped by an SDK.
var retryableSubstrings = []string{"timeout", "connection", "502", "503", "504", "429"}

// IsRetryable reports whether the router may retry the call that produced
// err. Structural classification wins; the substring match only applies to
// unclassified errors.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return retryableCodes[perr.Code]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// ErrorCode extracts the taxonomy code from err, falling back to
// internal_error for unclassified errors.
func ErrorCode(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeUpstreamTimeout
	}
	return CodeInternalError
}
