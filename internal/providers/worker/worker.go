// Package worker implements the local inference worker adapter.
//
// The worker speaks the OpenAI wire shape over plain HTTP on a private
// address. It needs no credential, advertises health at GET /health, and its
// cost is always zero.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aigateway/ai-gateway/internal/providers"
)

const providerName = "local-worker"

type (
	wireMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatRequest struct {
		Model       string        `json:"model"`
		Messages    []wireMessage `json:"messages"`
		Temperature float64       `json:"temperature,omitempty"`
		TopP        float64       `json:"top_p,omitempty"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		Stop        []string      `json:"stop,omitempty"`
		Stream      bool          `json:"stream,omitempty"`
	}

	chatChoice struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	chatResponse struct {
		ID      string          `json:"id"`
		Object  string          `json:"object"`
		Created int64           `json:"created"`
		Model   string          `json:"model"`
		Choices []chatChoice    `json:"choices"`
		Usage   providers.Usage `json:"usage"`
	}

	streamChunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}

	embeddingRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}

	embeddingResponse struct {
		Model string `json:"model"`
		Data  []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage providers.Usage `json:"usage"`
	}

	apiError struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
)

// Provider is the local worker adapter.
type Provider struct {
	settings providers.Settings
	client   *http.Client
}

func New(s providers.Settings) *Provider {
	return &Provider{
		settings: s,
		client:   &http.Client{Timeout: s.EffectiveTimeout()},
	}
}

func (p *Provider) Name() string     { return providerName }
func (p *Provider) Priority() int    { return p.settings.Priority }
func (p *Provider) Models() []string { return p.settings.ModelPatterns }

// Available requires a base URL instead of a credential: the worker is
// reachable only over a configured private address.
func (p *Provider) Available() bool {
	return p.settings.Enabled && p.settings.BaseURL != ""
}

func (p *Provider) SupportsModel(model string) bool {
	return providers.MatchModel(p.settings.ModelPatterns, model)
}

func (p *Provider) SupportsEmbeddings() bool { return true }

func (p *Provider) baseURL() string {
	return strings.TrimRight(p.settings.BaseURL, "/")
}

// HealthCheck probes the worker's /health endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/health", nil)
	if err != nil {
		return fmt.Errorf("worker: health check: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker: health check: %w", providers.WrapTransport(providerName, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body, err := json.Marshal(p.buildChatRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("worker: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransport(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("worker: decode response: %w", err)
	}

	out := &providers.ChatResponse{
		ID:      cr.ID,
		Object:  "chat.completion",
		Created: cr.Created,
		Model:   cr.Model,
		Usage:   cr.Usage,
	}
	for _, c := range cr.Choices {
		out.Choices = append(out.Choices, providers.Choice{
			Index:        c.Index,
			Message:      providers.Message{Role: "assistant", Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	providers.StampMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), 0)
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	body, err := json.Marshal(p.buildChatRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("worker: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransport(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}
			var sc streamChunk
			if err := json.Unmarshal([]byte(payload), &sc); err != nil || len(sc.Choices) == 0 {
				continue
			}
			c := sc.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}
	body, err := json.Marshal(embeddingRequest{Model: model, Input: req.Input})
	if err != nil {
		return nil, fmt.Errorf("worker: embed: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL()+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("worker: embed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransport(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("worker: embed: decode response: %w", err)
	}

	out := &providers.EmbeddingResponse{Model: er.Model, Usage: er.Usage}
	for _, d := range er.Data {
		out.Data = append(out.Data, providers.EmbeddingData{Index: d.Index, Embedding: d.Embedding})
	}

	providers.StampEmbeddingMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), 0)
	return out, nil
}

func (p *Provider) buildChatRequest(req *providers.ChatRequest, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = p.settings.DefaultModel
	}
	msgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		return providers.NewError(providerName, resp.StatusCode, ae.Error.Message)
	}
	return providers.NewError(providerName, resp.StatusCode,
		fmt.Sprintf("unexpected status %d", resp.StatusCode))
}
