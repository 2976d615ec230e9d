// Package apierr writes the gateway's JSON error envelope, compatible with
// the OpenAI error format: {"error": {"message", "type", "code"}}.
//
// Codes come from the provider error taxonomy; the type is the coarse
// category clients branch on, derived from the code.
package apierr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/aigateway/ai-gateway/internal/providers"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimitError = "rate_limit_error"
	TypeProviderError  = "provider_error"
	TypeServerError    = "server_error"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteCode writes the envelope for a taxonomy code with its canonical
// status and type.
func WriteCode(ctx *fasthttp.RequestCtx, code, message string) {
	if code == providers.CodeRateLimitExceeded {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, StatusForCode(code), message, TypeForCode(code), code)
}

// WriteError classifies err by its taxonomy code and writes the envelope.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	code := providers.CodeInternalError
	message := "internal error"

	var perr *providers.Error
	if errors.As(err, &perr) {
		code = perr.Code
		message = perr.Message
	} else if err != nil {
		code = providers.ErrorCode(err)
		message = err.Error()
	}

	WriteCode(ctx, code, message)
}

// WriteInvalid writes a 400 invalid-request error.
func WriteInvalid(ctx *fasthttp.RequestCtx, message string) {
	WriteCode(ctx, providers.CodeInvalidRequest, message)
}

// StatusForCode maps a taxonomy code to the client-facing HTTP status.
//
//	invalid_request_error, capability_unsupported → 400
//	rate_limit_exceeded                           → 429
//	no_providers_available                        → 503
//	everything else                               → 500
func StatusForCode(code string) int {
	switch code {
	case providers.CodeInvalidRequest, providers.CodeCapabilityUnsupported:
		return fasthttp.StatusBadRequest
	case providers.CodeRateLimitExceeded:
		return fasthttp.StatusTooManyRequests
	case providers.CodeNoProvidersAvailable:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

// TypeForCode maps a taxonomy code to the coarse error type.
func TypeForCode(code string) string {
	switch code {
	case providers.CodeInvalidRequest, providers.CodeCapabilityUnsupported:
		return TypeInvalidRequest
	case providers.CodeRateLimitExceeded:
		return TypeRateLimitError
	case providers.CodeNoProvidersAvailable, providers.CodeProviderUnavailable,
		providers.CodeUpstreamTimeout, providers.CodeUpstreamTransport,
		providers.CodeUpstreamServerError, providers.CodeUpstreamThrottled,
		providers.CodeUpstreamClientError:
		return TypeProviderError
	default:
		return TypeServerError
	}
}
