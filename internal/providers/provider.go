// Package providers defines the canonical request/response shapes and the
// adapter contract shared by all upstream implementations (OpenAI-shaped,
// Gemini-shaped, Claude-shaped, and the local inference worker).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. The router only ever talks to this interface; it never
// downcasts to a concrete adapter.
package providers

import (
	"context"
	"strings"
	"time"
)

// DefaultTimeout bounds a single upstream call when the adapter has no
// configured timeout.
const DefaultTimeout = 30 * time.Second

// DefaultTemperature is applied when the caller omits the sampling
// temperature. It also participates in the cache fingerprint.
const DefaultTemperature = 0.7

type (
	// Message is a single turn in a conversation.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Name    string `json:"name,omitempty"`
	}

	// Usage — token usage as reported by the upstream.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatRequest — normalized client chat request.
	// A zero Temperature means "not set" and defaults to DefaultTemperature.
	ChatRequest struct {
		Model            string
		Messages         []Message
		Temperature      float64
		TopP             float64
		FrequencyPenalty float64
		PresencePenalty  float64
		Stop             []string
		MaxTokens        int
		Stream           bool

		// Provider is the optional preference naming a specific adapter.
		Provider string

		// Identifier is the rate-limit caller identity extracted at ingress.
		Identifier string
		RequestID  string
	}

	// Choice is one completion alternative in a chat response.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// GatewayMetadata is attached to every response leaving the router.
	GatewayMetadata struct {
		Provider      string  `json:"provider"`
		OriginalModel string  `json:"originalModel"`
		LatencyMs     int64   `json:"latencyMs"`
		Cached        bool    `json:"cached"`
		RetryCount    int     `json:"retryCount"`
		RequestID     string  `json:"requestId"`
		EstimatedCost float64 `json:"estimatedCost"`
	}

	// ChatResponse — normalized chat response in the OpenAI-compatible shape.
	ChatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []Choice         `json:"choices"`
		Usage   Usage            `json:"usage"`
		Gateway *GatewayMetadata `json:"gateway,omitempty"`
	}

	// StreamChunk is a single delta delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input      []string
		Model      string
		Provider   string
		Identifier string
		RequestID  string
	}

	// EmbeddingData — a single embedding vector; Index matches input order.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model   string           `json:"model"`
		Data    []EmbeddingData  `json:"data"`
		Usage   Usage            `json:"usage"`
		Gateway *GatewayMetadata `json:"gateway,omitempty"`
	}
)

// Provider is the capability set every adapter implements.
//
// Available reports whether the adapter may serve traffic: it requires the
// adapter to be enabled and, when the upstream needs a credential, the
// credential to be non-empty. Priority is a stable comparator key — lower
// sorts first. SupportsModel matches the hint against the adapter's model
// patterns with case-insensitive substring semantics; an empty hint matches.
type Provider interface {
	Name() string
	Available() bool
	Priority() int
	SupportsModel(model string) bool
	SupportsEmbeddings() bool
	Models() []string

	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	HealthCheck(ctx context.Context) error
}

// Settings carries the static per-adapter configuration resolved at startup.
type Settings struct {
	Enabled      bool
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Priority     int

	// ModelPatterns are matched by SupportsModel (case-insensitive substring).
	// They double as the advertised model list for GET /v1/models.
	ModelPatterns []string

	// Per-token prices used for the estimatedCost metadata field.
	PromptPricePerToken     float64
	CompletionPricePerToken float64
}

// EffectiveTimeout returns the configured timeout or DefaultTimeout.
func (s Settings) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Cost computes the estimated cost for the given usage.
func (s Settings) Cost(u Usage) float64 {
	return float64(u.PromptTokens)*s.PromptPricePerToken +
		float64(u.CompletionTokens)*s.CompletionPricePerToken
}

// MatchModel reports whether model matches any of patterns using
// case-insensitive substring matching. An empty model hint matches anything;
// an empty pattern list matches nothing.
func MatchModel(patterns []string, model string) bool {
	if model == "" {
		return true
	}
	m := strings.ToLower(model)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(m, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// StampMetadata fills the gateway-metadata block on a successful chat
// response. Adapters call this as the last step of every non-stream request.
func StampMetadata(resp *ChatResponse, provider, originalModel, requestID string, latency time.Duration, cost float64) {
	resp.Gateway = &GatewayMetadata{
		Provider:      provider,
		OriginalModel: originalModel,
		LatencyMs:     latency.Milliseconds(),
		Cached:        false,
		RetryCount:    0,
		RequestID:     requestID,
		EstimatedCost: cost,
	}
}

// StampEmbeddingMetadata is the embedding counterpart of StampMetadata.
func StampEmbeddingMetadata(resp *EmbeddingResponse, provider, originalModel, requestID string, latency time.Duration, cost float64) {
	resp.Gateway = &GatewayMetadata{
		Provider:      provider,
		OriginalModel: originalModel,
		LatencyMs:     latency.Milliseconds(),
		RequestID:     requestID,
		EstimatedCost: cost,
	}
}
