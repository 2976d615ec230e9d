package proxy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aigateway/ai-gateway/internal/cache"
	"github.com/aigateway/ai-gateway/internal/providers"
)

// stubProvider is a configurable Provider test double shared by the proxy
// tests.
type stubProvider struct {
	name       string
	available  bool
	priority   int
	embeddings bool
	models     []string

	chatFn   func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	streamFn func(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)
	embedFn  func(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)

	chatCalls  int
	embedCalls int
}

func (s *stubProvider) Name() string             { return s.name }
func (s *stubProvider) Available() bool          { return s.available }
func (s *stubProvider) Priority() int            { return s.priority }
func (s *stubProvider) SupportsEmbeddings() bool { return s.embeddings }
func (s *stubProvider) Models() []string         { return s.models }

func (s *stubProvider) SupportsModel(model string) bool {
	return providers.MatchModel(s.models, model)
}

func (s *stubProvider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	s.chatCalls++
	if s.chatFn != nil {
		return s.chatFn(ctx, req)
	}
	return s.chatSuccess(req), nil
}

func (s *stubProvider) chatSuccess(req *providers.ChatRequest) *providers.ChatResponse {
	resp := &providers.ChatResponse{
		ID:      "resp-" + s.name,
		Object:  "chat.completion",
		Model:   req.Model,
		Choices: []providers.Choice{{Message: providers.Message{Role: "assistant", Content: "hello from " + s.name}, FinishReason: "stop"}},
		Usage:   providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	providers.StampMetadata(resp, s.name, req.Model, req.RequestID, time.Millisecond, 0)
	return resp
}

func (s *stubProvider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if s.streamFn != nil {
		return s.streamFn(ctx, req)
	}
	ch := make(chan providers.StreamChunk, 3)
	ch <- providers.StreamChunk{Content: "hello "}
	ch <- providers.StreamChunk{Content: "world"}
	ch <- providers.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (s *stubProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	s.embedCalls++
	if s.embedFn != nil {
		return s.embedFn(ctx, req)
	}
	data := make([]providers.EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = providers.EmbeddingData{Index: i, Embedding: []float32{0.1, 0.2, 0.3}}
	}
	resp := &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: providers.Usage{PromptTokens: 5, TotalTokens: 5},
	}
	providers.StampEmbeddingMetadata(resp, s.name, req.Model, req.RequestID, time.Millisecond, 0)
	return resp, nil
}

func (s *stubProvider) HealthCheck(context.Context) error { return nil }

// okProvider returns an available chat+embeddings stub.
func okProvider(name string, priority int, models ...string) *stubProvider {
	return &stubProvider{
		name:       name,
		available:  true,
		priority:   priority,
		embeddings: true,
		models:     models,
	}
}

// newTestGateway builds a Gateway with a discard logger, fast retries, and the
// health checker shut down after the test.
func newTestGateway(t *testing.T, provs []providers.Provider, c cache.Cache, opts GatewayOptions) *Gateway {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	gw := NewGatewayWithOptions(context.Background(), provs, c, nil, opts)
	if gw.health != nil {
		t.Cleanup(gw.health.Close)
	}
	return gw
}

func names(provs []providers.Provider) []string {
	out := make([]string, len(provs))
	for i, p := range provs {
		out[i] = p.Name()
	}
	return out
}

func sameNames(got []providers.Provider, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i, p := range got {
		if p.Name() != want[i] {
			return false
		}
	}
	return true
}

// TestSelectCandidates_FiltersUnavailable verifies unavailable providers are
// never candidates.
func TestSelectCandidates_FiltersUnavailable(t *testing.T) {
	a := okProvider("openai", 10, "gpt-")
	b := okProvider("gemini", 20, "gemini")
	b.available = false

	gw := newTestGateway(t, []providers.Provider{a, b}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{})
	if !sameNames(got, "openai") {
		t.Errorf("candidates = %v, want [openai]", names(got))
	}
}

// TestSelectCandidates_PriorityOrder verifies ordering by priority ascending
// with name as the tiebreak.
func TestSelectCandidates_PriorityOrder(t *testing.T) {
	gw := newTestGateway(t, []providers.Provider{
		okProvider("claude", 30, "claude"),
		okProvider("openai", 10, "gpt-"),
		okProvider("local-worker", 40, "local"),
		okProvider("gemini", 20, "gemini"),
	}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{})
	if !sameNames(got, "openai", "gemini", "claude", "local-worker") {
		t.Errorf("candidates = %v, want priority order", names(got))
	}
}

// TestSelectCandidates_NameTiebreak verifies equal priorities order by name.
func TestSelectCandidates_NameTiebreak(t *testing.T) {
	gw := newTestGateway(t, []providers.Provider{
		okProvider("zeta", 10),
		okProvider("alpha", 10),
	}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{})
	if !sameNames(got, "alpha", "zeta") {
		t.Errorf("candidates = %v, want [alpha zeta]", names(got))
	}
}

// TestSelectCandidates_PreferenceHoist verifies the preferred provider moves
// to the head while the rest keep their relative order.
func TestSelectCandidates_PreferenceHoist(t *testing.T) {
	gw := newTestGateway(t, []providers.Provider{
		okProvider("openai", 10, "gpt-"),
		okProvider("gemini", 20, "gemini"),
		okProvider("claude", 30, "claude"),
	}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{preference: "claude"})
	if !sameNames(got, "claude", "openai", "gemini") {
		t.Errorf("candidates = %v, want claude hoisted", names(got))
	}

	// Preference matching is case-insensitive.
	got = gw.selectCandidates(routeQuery{preference: "GEMINI"})
	if !sameNames(got, "gemini", "openai", "claude") {
		t.Errorf("candidates = %v, want gemini hoisted case-insensitively", names(got))
	}

	// An unknown preference changes nothing.
	got = gw.selectCandidates(routeQuery{preference: "bedrock"})
	if !sameNames(got, "openai", "gemini", "claude") {
		t.Errorf("candidates = %v, want untouched order for unknown preference", names(got))
	}
}

// TestSelectCandidates_ModelFilter verifies the model hint keeps only
// supporting providers.
func TestSelectCandidates_ModelFilter(t *testing.T) {
	gw := newTestGateway(t, []providers.Provider{
		okProvider("openai", 10, "gpt-"),
		okProvider("gemini", 20, "gemini"),
		okProvider("claude", 30, "claude"),
	}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{model: "claude-3-5-sonnet"})
	if !sameNames(got, "claude") {
		t.Errorf("candidates = %v, want [claude]", names(got))
	}
}

// TestSelectCandidates_ModelFilterNeverEmpties verifies an unmatched model
// hint keeps the unfiltered order instead of producing an empty list.
func TestSelectCandidates_ModelFilterNeverEmpties(t *testing.T) {
	gw := newTestGateway(t, []providers.Provider{
		okProvider("openai", 10, "gpt-"),
		okProvider("gemini", 20, "gemini"),
	}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{model: "totally-unknown-model"})
	if !sameNames(got, "openai", "gemini") {
		t.Errorf("candidates = %v, want the unfiltered list", names(got))
	}
}

// TestSelectCandidates_EmbeddingsFilter verifies the embeddings restriction,
// which unlike the model filter may legitimately empty the list.
func TestSelectCandidates_EmbeddingsFilter(t *testing.T) {
	claude := okProvider("claude", 30, "claude")
	claude.embeddings = false

	gw := newTestGateway(t, []providers.Provider{
		okProvider("openai", 10, "gpt-", "text-embedding-"),
		claude,
	}, nil, GatewayOptions{})

	got := gw.selectCandidates(routeQuery{embeddings: true})
	if !sameNames(got, "openai") {
		t.Errorf("candidates = %v, want [openai]", names(got))
	}

	// Only non-embedding providers left → empty list.
	gw2 := newTestGateway(t, []providers.Provider{claude}, nil, GatewayOptions{})
	if got := gw2.selectCandidates(routeQuery{embeddings: true}); len(got) != 0 {
		t.Errorf("candidates = %v, want empty", names(got))
	}
}

// TestSelectCandidates_FallbackDisabled verifies the list truncates to its
// head when fallback is off.
func TestSelectCandidates_FallbackDisabled(t *testing.T) {
	gw := newTestGateway(t, []providers.Provider{
		okProvider("openai", 10, "gpt-"),
		okProvider("gemini", 20, "gemini"),
	}, nil, GatewayOptions{FallbackDisabled: true})

	got := gw.selectCandidates(routeQuery{})
	if !sameNames(got, "openai") {
		t.Errorf("candidates = %v, want head only", names(got))
	}
}

// TestPreferenceFor verifies the request preference wins over the configured
// default provider.
func TestPreferenceFor(t *testing.T) {
	gw := newTestGateway(t, nil, nil, GatewayOptions{DefaultProvider: "openai"})

	if got := gw.preferenceFor("claude"); got != "claude" {
		t.Errorf("preferenceFor(claude) = %q, want claude", got)
	}
	if got := gw.preferenceFor(""); got != "openai" {
		t.Errorf("preferenceFor(\"\") = %q, want openai", got)
	}
}
