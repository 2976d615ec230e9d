package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/aigateway/ai-gateway/internal/providers"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("parse envelope: %v (%s)", err, ctx.Response.Body())
	}
	return env.Error
}

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{providers.CodeInvalidRequest, 400},
		{providers.CodeCapabilityUnsupported, 400},
		{providers.CodeRateLimitExceeded, 429},
		{providers.CodeNoProvidersAvailable, 503},
		{providers.CodeUpstreamTimeout, 500},
		{providers.CodeUpstreamServerError, 500},
		{providers.CodeProviderUnavailable, 500},
		{providers.CodeInternalError, 500},
		{"something-unknown", 500},
	}
	for _, tc := range cases {
		if got := StatusForCode(tc.code); got != tc.want {
			t.Errorf("StatusForCode(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestTypeForCode(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{providers.CodeInvalidRequest, TypeInvalidRequest},
		{providers.CodeCapabilityUnsupported, TypeInvalidRequest},
		{providers.CodeRateLimitExceeded, TypeRateLimitError},
		{providers.CodeNoProvidersAvailable, TypeProviderError},
		{providers.CodeUpstreamThrottled, TypeProviderError},
		{providers.CodeUpstreamTimeout, TypeProviderError},
		{providers.CodeInternalError, TypeServerError},
	}
	for _, tc := range cases {
		if got := TypeForCode(tc.code); got != tc.want {
			t.Errorf("TypeForCode(%s) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestWriteCode(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteCode(ctx, providers.CodeNoProvidersAvailable, "nobody home")

	if ctx.Response.StatusCode() != 503 {
		t.Errorf("status = %d, want 503", ctx.Response.StatusCode())
	}
	e := decode(t, ctx)
	if e.Code != providers.CodeNoProvidersAvailable || e.Message != "nobody home" {
		t.Errorf("error = %+v", e)
	}
	if e.Type != TypeProviderError {
		t.Errorf("type = %q", e.Type)
	}
}

// TestWriteCode_RateLimitRetryAfter verifies the Retry-After header rides
// along with 429 responses only.
func TestWriteCode_RateLimitRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteCode(ctx, providers.CodeRateLimitExceeded, "slow down")

	if ctx.Response.StatusCode() != 429 {
		t.Errorf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	ctx = &fasthttp.RequestCtx{}
	WriteCode(ctx, providers.CodeInvalidRequest, "bad")
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "" {
		t.Errorf("Retry-After = %q on a 400, want none", got)
	}
}

func TestWriteError_ProviderError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteError(ctx, providers.NewError("openai", 503, "bad upstream"))

	// Upstream failures surface as the gateway's 500, not the upstream status.
	if ctx.Response.StatusCode() != 500 {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	e := decode(t, ctx)
	if e.Code != providers.CodeUpstreamServerError {
		t.Errorf("code = %q", e.Code)
	}
}

func TestWriteError_WrappedProviderError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	inner := &providers.Error{Code: providers.CodeNoProvidersAvailable, Message: "none"}
	WriteError(ctx, fmt.Errorf("routing: %w", inner))

	if ctx.Response.StatusCode() != 503 {
		t.Errorf("status = %d, want 503", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Message != "none" {
		t.Errorf("message = %q, want the inner message", e.Message)
	}
}

func TestWriteError_GenericError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteError(ctx, errors.New("something broke"))

	if ctx.Response.StatusCode() != 500 {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Code != providers.CodeInternalError {
		t.Errorf("code = %q", e.Code)
	}
}

func TestWriteInvalid(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInvalid(ctx, "field 'messages' is required")

	if ctx.Response.StatusCode() != 400 {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
	e := decode(t, ctx)
	if e.Type != TypeInvalidRequest || e.Code != providers.CodeInvalidRequest {
		t.Errorf("error = %+v", e)
	}
}
