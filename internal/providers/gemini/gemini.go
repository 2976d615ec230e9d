// Package gemini implements the Gemini-shaped restructured-content adapter.
//
// The upstream consumes contents/parts with only user and model roles, a
// separate generationConfig block, and carries the credential as a ?key=
// URL query parameter. System messages are not a native role: all leading
// system messages are folded into the first user message (see buildContents).
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aigateway/ai-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

type (
	part struct {
		Text string `json:"text"`
	}

	content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}

	generationConfig struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		TopP            float64 `json:"topP,omitempty"`
	}

	generateRequest struct {
		Contents         []content         `json:"contents"`
		GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	}

	candidate struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	}

	usageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	}

	generateResponse struct {
		Candidates    []candidate   `json:"candidates"`
		UsageMetadata usageMetadata `json:"usageMetadata"`
	}

	embedContentRequest struct {
		Content content `json:"content"`
	}

	embedContentResponse struct {
		Embedding struct {
			Values []float32 `json:"values"`
		} `json:"embedding"`
	}

	apiError struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
)

// Provider is the Gemini-shaped adapter.
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

func (p *Provider) Available() bool {
	return p.settings.Enabled && p.settings.APIKey != ""
}

func (p *Provider) SupportsModel(model string) bool {
	return providers.MatchModel(p.settings.ModelPatterns, model)
}

func (p *Provider) SupportsEmbeddings() bool { return true }

func (p *Provider) baseURL() string {
	if p.settings.BaseURL != "" {
		return strings.TrimRight(p.settings.BaseURL, "/")
	}
	return defaultBaseURL
}

// endpoint builds a model-scoped URL with the key as a query parameter.
func (p *Provider) endpoint(model, verb, extraQuery string) string {
	q := "key=" + url.QueryEscape(p.settings.APIKey)
	if extraQuery != "" {
		q = extraQuery + "&" + q
	}
	return fmt.Sprintf("%s/models/%s:%s?%s", p.baseURL(), url.PathEscape(model), verb, q)
}

// HealthCheck lists models with the query-parameter credential.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	u := p.baseURL() + "/models?key=" + url.QueryEscape(p.settings.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", providers.WrapTransport(providerName, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	model := p.resolveModel(req.Model)
	body, err := json.Marshal(p.buildGenerateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint(model, "generateContent", ""), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
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

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}

	out := &providers.ChatResponse{
		ID:      fmt.Sprintf("gemini-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Usage: providers.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		},
	}
	if len(gr.Candidates) > 0 {
		c := gr.Candidates[0]
		var sb strings.Builder
		for _, pt := range c.Content.Parts {
			sb.WriteString(pt.Text)
		}
		out.Choices = []providers.Choice{{
			Index:        0,
			Message:      providers.Message{Role: "assistant", Content: sb.String()},
			FinishReason: mapFinishReason(c.FinishReason),
		}}
	}

	providers.StampMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), p.settings.Cost(out.Usage))
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	model := p.resolveModel(req.Model)
	body, err := json.Marshal(p.buildGenerateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint(model, "streamGenerateContent", "alt=sse"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
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
			var gr generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &gr); err != nil {
				continue
			}
			if len(gr.Candidates) == 0 {
				continue
			}
			c := gr.Candidates[0]
			var sb strings.Builder
			for _, pt := range c.Content.Parts {
				sb.WriteString(pt.Text)
			}
			select {
			case ch <- providers.StreamChunk{
				Content:      sb.String(),
				FinishReason: mapFinishReason(c.FinishReason),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Embed calls :embedContent with the inputs as content.parts.
// The upstream returns a single vector for the whole content.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	model := p.resolveModel(req.Model)

	parts := make([]part, len(req.Input))
	for i, t := range req.Input {
		parts[i] = part{Text: t}
	}
	body, err := json.Marshal(embedContentRequest{Content: content{Parts: parts}})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.EffectiveTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint(model, "embedContent", ""), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", err)
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

	var er embedContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("gemini: embed: decode response: %w", err)
	}

	out := &providers.EmbeddingResponse{
		Model: model,
		Data: []providers.EmbeddingData{
			{Index: 0, Embedding: er.Embedding.Values},
		},
	}
	providers.StampEmbeddingMetadata(out, providerName, req.Model, req.RequestID,
		time.Since(start), 0)
	return out, nil
}

func (p *Provider) resolveModel(hint string) string {
	if hint != "" {
		return hint
	}
	return p.settings.DefaultModel
}

func (p *Provider) buildGenerateRequest(req *providers.ChatRequest) generateRequest {
	gr := generateRequest{Contents: buildContents(req.Messages)}

	gc := generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		TopP:            req.TopP,
	}
	if gc != (generationConfig{}) {
		gr.GenerationConfig = &gc
	}
	return gr
}

// buildContents restructures canonical messages into Gemini contents.
//
// All leading system messages are concatenated (blank-line separated) and
// prepended to the first user message that follows. When nothing but system
// text remains, a single synthetic user message carries it. Assistant maps
// to the "model" role; every other role maps to "user".
func buildContents(msgs []providers.Message) []content {
	var systemParts []string
	i := 0
	for ; i < len(msgs) && strings.EqualFold(msgs[i].Role, "system"); i++ {
		systemParts = append(systemParts, msgs[i].Content)
	}
	systemText := strings.Join(systemParts, "\n\n")

	out := make([]content, 0, len(msgs)-i+1)
	for ; i < len(msgs); i++ {
		m := msgs[i]
		role := "user"
		if strings.EqualFold(m.Role, "assistant") {
			role = "model"
		}
		text := m.Content
		if systemText != "" && role == "user" {
			text = systemText + "\n\n" + text
			systemText = ""
		}
		out = append(out, content{Role: role, Parts: []part{{Text: text}}})
	}

	if len(out) == 0 && systemText != "" {
		out = append(out, content{Role: "user", Parts: []part{{Text: systemText}}})
	}
	return out
}

func mapFinishReason(r string) string {
	switch r {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return strings.ToLower(r)
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
