package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aigateway/ai-gateway/internal/providers"
)

func testProvider(baseURL string) *Provider {
	return New(providers.Settings{
		Enabled:       true,
		BaseURL:       baseURL,
		DefaultModel:  "local-model",
		ModelPatterns: []string{"local"},
	})
}

// TestAvailable verifies availability keys off the base URL, not a credential.
func TestAvailable(t *testing.T) {
	if !testProvider("http://127.0.0.1:9000").Available() {
		t.Error("enabled provider with base URL should be available")
	}
	if New(providers.Settings{Enabled: true}).Available() {
		t.Error("missing base URL should make the worker unavailable")
	}
	if New(providers.Settings{BaseURL: "http://x"}).Available() {
		t.Error("disabled worker should be unavailable")
	}
}

func TestChat(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  gotReq.Model,
			Choices: []chatChoice{{
				Message:      wireMessage{Role: "assistant", Content: "pong"},
				FinishReason: "stop",
			}},
			Usage: providers.Usage{PromptTokens: 4, CompletionTokens: 1, TotalTokens: 5},
		})
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	resp, err := p.Chat(context.Background(), &providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// The worker runs on a private address: no credential goes out.
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want none", gotAuth)
	}
	if gotReq.Model != "local-model" {
		t.Errorf("model = %q, want the configured default", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("non-streaming call must not set stream")
	}
	if resp.Choices[0].Message.Content != "pong" || resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Gateway == nil || resp.Gateway.Provider != "local-worker" {
		t.Errorf("gateway = %+v", resp.Gateway)
	}
	// Local inference never accrues cost.
	if resp.Gateway.EstimatedCost != 0 {
		t.Errorf("cost = %v, want 0", resp.Gateway.EstimatedCost)
	}
}

func TestChat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"model loading","type":"server_error","code":"unavailable"}}`)
	}))
	defer srv.Close()

	_, err := testProvider(srv.URL).Chat(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T", err)
	}
	if perr.Code != providers.CodeUpstreamServerError {
		t.Errorf("code = %q", perr.Code)
	}
	if !providers.IsRetryable(err) {
		t.Error("503 from the worker should be retryable")
	}
}

// TestChatStream verifies SSE parsing terminates on [DONE].
func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("streaming call must set stream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	stream, err := testProvider(srv.URL).ChatStream(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text, finish string
	for c := range stream {
		text += c.Content
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text != "hello world" {
		t.Errorf("streamed text = %q", text)
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 {
			t.Errorf("input = %v", req.Input)
		}
		fmt.Fprint(w, `{"model":"local-model","data":[{"index":0,"embedding":[0.1]},{"index":1,"embedding":[0.2]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	resp, err := testProvider(srv.URL).Embed(context.Background(), &providers.EmbeddingRequest{
		Input: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[1].Index != 1 {
		t.Errorf("data = %+v", resp.Data)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	healthy = false
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("non-200 health should fail the probe")
	}
}
