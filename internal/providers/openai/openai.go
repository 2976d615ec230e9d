// Package openai implements the OpenAI-shaped passthrough adapter.
//
// The canonical request maps almost one-to-one onto the upstream, so the
// adapter delegates wire handling to the official SDK and only translates
// between the SDK types and the canonical shapes.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/aigateway/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider is the OpenAI-shaped adapter.
type Provider struct {
	settings providers.Settings
	client   openaiSDK.Client
}

// New builds the adapter from its static settings. An adapter with an empty
// credential is still constructed but reports Available() == false.
func New(s providers.Settings) *Provider {
	p := &Provider{settings: s}

	httpClient := &http.Client{Timeout: s.EffectiveTimeout()}
	if s.BaseURL != "" && s.BaseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, s.BaseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(s.APIKey),
		option.WithHTTPClient(httpClient),
	)

	return p
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

func (p *Provider) SupportsEmbeddings() bool { return true }

// HealthCheck lists models as a cheap auth/connectivity probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := p.buildParams(req)

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for i, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			Message:      providers.Message{Role: "assistant", Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	providers.StampMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), p.settings.Cost(out.Usage))
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	params := p.buildParams(req)
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, toProviderError(err)
	}

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- providers.StreamChunk{FinishReason: "error"}
		}
	}()

	return ch, nil
}

func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: f32}
	}

	out := &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	providers.StampEmbeddingMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), p.settings.Cost(out.Usage))
	return out, nil
}

func (p *Provider) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// toProviderError maps SDK errors to the gateway taxonomy.
func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.NewError(providerName, apierr.StatusCode, apierr.Error())
	}
	return providers.WrapTransport(providerName, err)
}

// baseURLTransport rewrites every SDK request onto an alternate base URL so
// the adapter can be pointed at mock upstreams.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
