// Package claude implements the Claude-shaped adapter over the official SDK.
//
// The upstream separates the system prompt from the message list, requires
// max_tokens on every request, and has no embeddings endpoint.
package claude

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aigateway/ai-gateway/internal/providers"
)

const (
	providerName = "claude"

	// defaultMaxTokens is applied when the caller omits max_tokens, which
	// the upstream requires on every request.
	defaultMaxTokens = 4096
)

// Provider is the Claude-shaped adapter.
type Provider struct {
	settings providers.Settings
	client   anthropic.Client
}

func New(s providers.Settings) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(s.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: s.EffectiveTimeout()}),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}

	return &Provider{
		settings: s,
		client:   anthropic.NewClient(opts...),
	}
}

func (p *Provider) Name() string     { return providerName }
func (p *Provider) Priority() int    { return p.settings.Priority }
func (p *Provider) Models() []string { return p.settings.ModelPatterns }

func (p *Provider) Available() bool {
	return p.settings.Enabled && p.settings.APIKey != ""
}

func (p *Provider) SupportsModel(model string) bool {
	return providers.MatchModel(p.settings.ModelPatterns, model)
}

func (p *Provider) SupportsEmbeddings() bool { return false }

// HealthCheck reports static health: the upstream has no cheap unauthenticated
// probe and a misconfigured key surfaces on the first real request anyway.
func (p *Provider) HealthCheck(ctx context.Context) error { return nil }

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := p.buildParams(req)

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	out := &providers.ChatResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: sb.String()},
			FinishReason: mapStopReason(string(msg.StopReason)),
		}},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	providers.StampMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), p.settings.Cost(out.Usage))
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	params := p.buildParams(req)
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, toProviderError(err)
	}

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						select {
						case ch <- providers.StreamChunk{Content: deltaVariant.Text}:
						case <-ctx.Done():
							return
						}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						select {
						case ch <- providers.StreamChunk{Content: deltaVariant.Text}:
						case <-ctx.Done():
							return
						}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					select {
					case ch <- providers.StreamChunk{
						FinishReason: mapStopReason(string(eventVariant.Delta.StopReason)),
					}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- providers.StreamChunk{FinishReason: "error"}
		}
	}()

	return ch, nil
}

// Embed is not supported by the upstream.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, &providers.Error{
		Provider: providerName,
		Code:     providers.CodeCapabilityUnsupported,
		Message:  "claude does not support embeddings",
	}
}

// buildParams translates the canonical request. The first system message
// becomes the top-level system prompt; later system messages are dropped
// because the upstream has a single system slot.
func (p *Provider) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}

	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			if systemPrompt == "" {
				systemPrompt = m.Content
			}
			continue
		}
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	sdkRole := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, "assistant") {
		sdkRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: sdkRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// mapStopReason translates the upstream stop reason into the canonical
// finish_reason vocabulary. Unknown reasons pass through verbatim.
func mapStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return r
	}
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return providers.NewError(providerName, apierr.StatusCode, apierr.Error())
	}
	return providers.WrapTransport(providerName, err)
}
