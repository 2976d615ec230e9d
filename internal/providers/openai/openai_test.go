package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/aigateway/ai-gateway/internal/providers"
)

func testProvider(baseURL string) *Provider {
	return New(providers.Settings{
		Enabled:                 true,
		APIKey:                  "sk-test",
		BaseURL:                 baseURL,
		DefaultModel:            "gpt-4o-mini",
		ModelPatterns:           []string{"gpt-", "o1", "text-embedding-"},
		PromptPricePerToken:     0.001,
		CompletionPricePerToken: 0.002,
	})
}

func TestAvailable(t *testing.T) {
	if !testProvider("").Available() {
		t.Error("enabled provider with key should be available")
	}
	if New(providers.Settings{Enabled: true}).Available() {
		t.Error("missing key should make the provider unavailable")
	}
}

// TestChat verifies the SDK call lands on the rewritten base URL with the
// bearer credential, and that usage-based cost is stamped.
func TestChat(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}
		}`)
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	resp, err := p.Chat(context.Background(), &providers.ChatRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if resp.Choices[0].Message.Content != "hello" || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 150 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
	if resp.Gateway == nil {
		t.Fatal("gateway metadata missing")
	}
	want := 100*0.001 + 50*0.002
	if resp.Gateway.EstimatedCost != want {
		t.Errorf("cost = %v, want %v", resp.Gateway.EstimatedCost, want)
	}
}

func TestChat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	_, err := testProvider(srv.URL).Chat(context.Background(), &providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T", err)
	}
	if perr.Code != providers.CodeUpstreamThrottled {
		t.Errorf("code = %q, want %q", perr.Code, providers.CodeUpstreamThrottled)
	}
	if !providers.IsRetryable(err) {
		t.Error("429 should be retryable")
	}
}

func TestEmbed(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [{"object":"embedding","index":0,"embedding":[0.1,0.2]}],
			"usage": {"prompt_tokens":3,"total_tokens":3}
		}`)
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	resp, err := p.Embed(context.Background(), &providers.EmbeddingRequest{
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	// Empty model falls back to the configured default.
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want the configured default", gotBody["model"])
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 2 {
		t.Errorf("data = %+v", resp.Data)
	}
	if resp.Usage.PromptTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// TestBaseURLTransport verifies scheme/host rewriting and base-path
// prefixing without double-prefixing.
func TestBaseURLTransport(t *testing.T) {
	var got *url.URL
	capture := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		got = req.URL
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	})

	rt := newBaseURLTransport(capture, "http://mock:9001/v1")

	req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if got.Scheme != "http" || got.Host != "mock:9001" {
		t.Errorf("rewritten URL = %s", got)
	}
	// Path already under the base path: no double prefix.
	if got.Path != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", got.Path)
	}

	// Path outside the base path gets prefixed.
	req, _ = http.NewRequest("GET", "https://api.openai.com/models", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if got.Path != "/v1/models" {
		t.Errorf("path = %q, want /v1/models", got.Path)
	}
}

func TestNewBaseURLTransport_BadURL(t *testing.T) {
	next := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, nil })
	if rt := newBaseURLTransport(next, "://bad"); rt == nil {
		t.Fatal("bad base URL should fall back to the next transport")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
