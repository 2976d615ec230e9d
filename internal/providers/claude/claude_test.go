package claude

import (
	"context"
	"errors"
	"testing"

	"github.com/aigateway/ai-gateway/internal/providers"
)

func testProvider() *Provider {
	return New(providers.Settings{
		Enabled:       true,
		APIKey:        "test-key",
		DefaultModel:  "claude-3-5-sonnet-latest",
		ModelPatterns: []string{"claude"},
	})
}

func TestAvailable(t *testing.T) {
	if !testProvider().Available() {
		t.Error("enabled provider with key should be available")
	}
	if New(providers.Settings{Enabled: true}).Available() {
		t.Error("missing key should make the provider unavailable")
	}
}

func TestCapabilities(t *testing.T) {
	p := testProvider()
	if p.SupportsEmbeddings() {
		t.Error("the upstream has no embeddings endpoint")
	}
	if !p.SupportsModel("claude-3-opus") {
		t.Error("claude models should match")
	}
	if p.SupportsModel("gpt-4o") {
		t.Error("foreign models should not match")
	}
}

func TestHealthCheck(t *testing.T) {
	// Static health: no probe endpoint upstream.
	if err := testProvider().HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestEmbedUnsupported(t *testing.T) {
	_, err := testProvider().Embed(context.Background(), &providers.EmbeddingRequest{Input: []string{"x"}})
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T", err)
	}
	if perr.Code != providers.CodeCapabilityUnsupported {
		t.Errorf("code = %q, want %q", perr.Code, providers.CodeCapabilityUnsupported)
	}
	if providers.IsRetryable(err) {
		t.Error("capability errors must be terminal")
	}
}

// TestBuildParams verifies the canonical → upstream translation: the system
// slot, the required max_tokens, and the sampling passthrough.
func TestBuildParams(t *testing.T) {
	p := testProvider()
	params := p.buildParams(&providers.ChatRequest{
		Model: "claude-3-opus",
		Messages: []providers.Message{
			{Role: "system", Content: "be brief"},
			{Role: "system", Content: "dropped"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
		},
		Temperature: 0.5,
		MaxTokens:   256,
		Stop:        []string{"END"},
	})

	if string(params.Model) != "claude-3-opus" {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want 256", params.MaxTokens)
	}
	// Only the first system message fills the single system slot.
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (system messages excluded)", len(params.Messages))
	}
	if params.Temperature.Value != 0.5 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if len(params.StopSequences) != 1 || params.StopSequences[0] != "END" {
		t.Errorf("stop = %v", params.StopSequences)
	}
}

func TestBuildParams_Defaults(t *testing.T) {
	p := testProvider()
	params := p.buildParams(&providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})

	if string(params.Model) != "claude-3-5-sonnet-latest" {
		t.Errorf("model = %q, want the configured default", params.Model)
	}
	// The upstream requires max_tokens on every request.
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", params.MaxTokens, defaultMaxTokens)
	}
	if len(params.System) != 0 {
		t.Errorf("system = %+v, want empty", params.System)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
		"":              "",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToProviderError(t *testing.T) {
	err := toProviderError(errors.New("dial tcp: connection refused"))
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T", err)
	}
	if perr.Code != providers.CodeUpstreamTransport {
		t.Errorf("code = %q, want %q", perr.Code, providers.CodeUpstreamTransport)
	}
	if perr.Provider != "claude" {
		t.Errorf("provider = %q", perr.Provider)
	}
}
