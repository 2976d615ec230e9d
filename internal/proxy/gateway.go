// Package proxy is the core request dispatcher of the gateway.
//
// The Gateway receives an incoming request, applies rate limiting, checks
// the response cache, selects the ordered provider candidate list, and
// forwards the request — retrying in place and falling back to alternative
// providers per the routing policy.
//
// Key design constraints:
//   - Logger, cache, rate limiter, and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached and
//     never retried.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/aigateway/ai-gateway/internal/cache"
	"github.com/aigateway/ai-gateway/internal/logger"
	"github.com/aigateway/ai-gateway/internal/metrics"
	"github.com/aigateway/ai-gateway/internal/providers"
	"github.com/aigateway/ai-gateway/internal/ratelimit"
	"github.com/aigateway/ai-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	serviceName = "ai-gateway"

	defaultRetryDelay = time.Second
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and routing
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the number of in-place retries per provider candidate
	// (on top of the first attempt). Negative values are treated as 0.
	MaxRetries int

	// RetryDelay is the base delay for the jittered exponential backoff
	// between retries. Default: 1s.
	RetryDelay time.Duration

	// FallbackDisabled restricts routing to the head candidate only.
	FallbackDisabled bool

	// DefaultProvider is hoisted to the front of the candidate list when the
	// request names no provider itself.
	DefaultProvider string

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the TTL for cached responses. Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	providers []providers.Provider
	cache     cache.Cache
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	maxRetries      int
	retryDelay      time.Duration
	fallbackEnabled bool
	defaultProvider string
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	limiter   *ratelimit.Limiter
	reqLogger *logger.Logger

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs []providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. cacheReady is the
// optional readiness probe for the cache backend, surfaced by the detailed
// health endpoint.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs []providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		providers:       provs,
		cache:           c,
		cb:              NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		maxRetries:      maxRetries,
		retryDelay:      retryDelay,
		fallbackEnabled: !opts.FallbackDisabled,
		defaultProvider: opts.DefaultProvider,
		cacheTTL:        cacheTTL,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiter injects the per-identity request limiter.
func (g *Gateway) SetRateLimiter(l *ratelimit.Limiter) {
	g.limiter = l
}

// SetRequestLogger injects the async request logger.
func (g *Gateway) SetRequestLogger(l *logger.Logger) {
	g.reqLogger = l
}

// ── Inbound request shapes ────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Name    string `json:"name,omitempty"`
	}

	inboundChatRequest struct {
		Model            string           `json:"model"`
		Messages         []inboundMessage `json:"messages"`
		Temperature      float64          `json:"temperature"`
		TopP             float64          `json:"top_p"`
		FrequencyPenalty float64          `json:"frequency_penalty"`
		PresencePenalty  float64          `json:"presence_penalty"`
		Stop             []string         `json:"stop"`
		MaxTokens        int              `json:"max_tokens"`
		Stream           bool             `json:"stream"`
		Provider         string           `json:"provider"`
	}

	// inboundEmbeddingRequest mirrors POST /v1/embeddings. The "input" field
	// accepts a string or array of strings; parseEmbeddingInput normalizes
	// to []string.
	inboundEmbeddingRequest struct {
		Model    string          `json:"model"`
		Input    json.RawMessage `json:"input"`
		Provider string          `json:"provider"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingResponse struct {
		Object  string                     `json:"object"`
		Data    []outboundEmbeddingData    `json:"data"`
		Model   string                     `json:"model"`
		Usage   providers.Usage            `json:"usage"`
		Gateway *providers.GatewayMetadata `json:"gateway,omitempty"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// validateMessages enforces the chat message contract shared by both chat
// endpoints.
func validateMessages(msgs []inboundMessage) error {
	if len(msgs) == 0 {
		return fmt.Errorf("field 'messages' is required and must not be empty")
	}
	for i, m := range msgs {
		switch m.Role {
		case "":
			return fmt.Errorf("messages[%d]: field 'role' is required", i)
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: role must be one of system, user, assistant", i)
		}
	}
	return nil
}

// identity extracts the rate-limit caller identity: X-Api-Key header first,
// then the Authorization bearer token, then "anonymous".
func identity(ctx *fasthttp.RequestCtx) string {
	if key := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Api-Key"))); key != "" {
		return key
	}
	if token := parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))); token != "" {
		return token
	}
	return "anonymous"
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// checkRateLimit applies the limiter and writes the X-RateLimit-* headers
// from the snapshot taken atomically with the decision. Returns false after
// writing the 429 envelope when the request is denied.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, id, reqID string) bool {
	if g.limiter == nil {
		return true
	}

	allowed, info := g.limiter.Allow(id)
	setRateLimitHeaders(ctx, info)

	if allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("blocked")
	}
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", reqID),
		slog.String("identifier", id),
	)
	apierr.WriteCode(ctx, providers.CodeRateLimitExceeded, "rate limit exceeded")
	return false
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, info ratelimit.Info) {
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.Itoa(info.ResetSeconds))
}

// ── Chat completions ──────────────────────────────────────────────────────────

// dispatchChat handles POST /v1/chat/completions (non-streaming).
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}
	if req.Stream {
		apierr.WriteInvalid(ctx, "streaming is not supported on this endpoint; use /v1/chat/completions/stream")
		return
	}

	id := identity(ctx)
	if !g.checkRateLimit(ctx, id, reqID) {
		return
	}

	chatReq := toChatRequest(&req, id, reqID)

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider_pref", g.preferenceFor(req.Provider)),
		slog.Int("messages", len(req.Messages)),
	)

	// Cache lookup — non-streaming chat only.
	cacheKey := ""
	if g.cache != nil {
		cacheKey = chatCacheKey(chatReq)
		if body, ok := g.cache.Get(ctx, cacheKey); ok {
			if resp, err := reviveCachedResponse(body, reqID, time.Since(start)); err == nil {
				cacheLabel = "hit"
				cached = true
				if g.metrics != nil {
					g.metrics.CacheGetHit()
				}
				if resp.Gateway != nil {
					servedProvider = resp.Gateway.Provider
				}
				inputTokens = resp.Usage.PromptTokens
				outputTokens = resp.Usage.CompletionTokens

				out, _ := json.Marshal(resp)
				ctx.Response.Header.Set("X-Cache", xCacheHIT)
				ctx.SetContentType("application/json")
				ctx.SetStatusCode(fasthttp.StatusOK)
				ctx.SetBody(out)

				g.logRequest(reqID, route, servedProvider, resp.Model, id,
					inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true, 0, 0)
				return
			}
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	resp, err := g.routeChat(ctx, chatReq)
	if err != nil {
		g.log.ErrorContext(ctx, "chat_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteError(ctx, err)
		g.logRequest(reqID, route, servedProvider, req.Model, id,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false, 0, 0)
		return
	}

	if resp.Gateway != nil {
		servedProvider = resp.Gateway.Provider
		resp.Gateway.LatencyMs = time.Since(start).Milliseconds()
	}
	inputTokens = resp.Usage.PromptTokens
	outputTokens = resp.Usage.CompletionTokens

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.WriteCode(ctx, providers.CodeInternalError, "failed to serialize response")
		return
	}

	if g.cache != nil && cacheKey != "" && cacheableResponse(resp) {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	retryCount := 0
	cost := 0.0
	if resp.Gateway != nil {
		retryCount = resp.Gateway.RetryCount
		cost = resp.Gateway.EstimatedCost
	}
	if g.metrics != nil && cost > 0 {
		g.metrics.AddCost(servedProvider, cost)
	}
	g.logRequest(reqID, route, servedProvider, resp.Model, id,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, retryCount, cost)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// dispatchChatStream handles POST /v1/chat/completions/stream.
func (g *Gateway) dispatchChatStream(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_stream"
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		g.finishStreamMetrics(route, ctx.Response.StatusCode(), start)
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		g.finishStreamMetrics(route, ctx.Response.StatusCode(), start)
		return
	}

	id := identity(ctx)
	if !g.checkRateLimit(ctx, id, reqID) {
		g.finishStreamMetrics(route, ctx.Response.StatusCode(), start)
		return
	}

	chatReq := toChatRequest(&req, id, reqID)
	chatReq.Stream = true

	g.log.InfoContext(ctx, "chat_stream_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
	)

	stream, provName, err := g.routeChatStream(ctx, chatReq)
	if err != nil {
		g.log.ErrorContext(ctx, "chat_stream_error",
			slog.String("request_id", reqID),
			slog.String("provider", provName),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
		g.finishStreamMetrics(route, ctx.Response.StatusCode(), start)
		return
	}

	model := req.Model
	g.writeSSE(ctx, stream, model, func(outputTokens int) {
		g.logRequest(reqID, route, provName, model, id,
			0, outputTokens, time.Since(start), fasthttp.StatusOK, false, 0, 0)
		if g.metrics != nil {
			dur := time.Since(start)
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
			g.metrics.ObserveGatewayRequest(provName, route, "bypass", dur)
			g.metrics.AddTokens(provName, route, 0, outputTokens, false)
			g.metrics.DecInFlight()
		}
	})
}

func (g *Gateway) finishStreamMetrics(route string, status int, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.DecInFlight()
	g.metrics.ObserveHTTP(route, status, time.Since(start))
}

// toChatRequest builds the canonical request from the inbound body.
func toChatRequest(req *inboundChatRequest, id, reqID string) *providers.ChatRequest {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return &providers.ChatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		MaxTokens:        req.MaxTokens,
		Provider:         req.Provider,
		Identifier:       id,
		RequestID:        reqID,
	}
}

// ── Embeddings ────────────────────────────────────────────────────────────────

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	servedProvider := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveGatewayRequest(servedProvider, route, "bypass", dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return
	}

	id := identity(ctx)
	if !g.checkRateLimit(ctx, id, reqID) {
		return
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Int("inputs", len(inputs)),
	)

	embResp, err := g.routeEmbedding(ctx, &providers.EmbeddingRequest{
		Input:      inputs,
		Model:      req.Model,
		Provider:   req.Provider,
		Identifier: id,
		RequestID:  reqID,
	})
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteError(ctx, err)
		return
	}

	if embResp.Gateway != nil {
		servedProvider = embResp.Gateway.Provider
		embResp.Gateway.LatencyMs = time.Since(start).Milliseconds()
	}

	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object:  "list",
		Data:    outData,
		Model:   embResp.Model,
		Usage:   embResp.Usage,
		Gateway: embResp.Gateway,
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteCode(ctx, providers.CodeInternalError, "failed to serialize response")
		return
	}

	g.logRequest(reqID, route, servedProvider, embResp.Model, id,
		embResp.Usage.PromptTokens, 0, time.Since(start), fasthttp.StatusOK, false, 0, 0)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// cacheableResponse reports whether a chat response may be stored. Responses
// without choices or with an error-terminated choice never enter the cache.
func cacheableResponse(resp *providers.ChatResponse) bool {
	if resp == nil || len(resp.Choices) == 0 {
		return false
	}
	for _, c := range resp.Choices {
		if c.FinishReason == "error" {
			return false
		}
	}
	return true
}

// ── Cache fingerprint ─────────────────────────────────────────────────────────

// chatCacheKey builds the deterministic cache key for a chat request:
// SHA-256 over "model|temperature|role:content|..." with the model
// defaulting to "default" and the temperature to the gateway default, keyed
// under the cache namespace with the first 32 hex digits of the digest.
func chatCacheKey(req *providers.ChatRequest) string {
	model := req.Model
	if model == "" {
		model = "default"
	}
	temp := req.Temperature
	if temp == 0 {
		temp = providers.DefaultTemperature
	}

	var sb strings.Builder
	sb.WriteString(model)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatFloat(temp, 'g', -1, 64))
	for _, m := range req.Messages {
		sb.WriteByte('|')
		sb.WriteString(m.Role)
		sb.WriteByte(':')
		sb.WriteString(m.Content)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return cache.KeyPrefix + hex.EncodeToString(sum[:])[:32]
}

// reviveCachedResponse rebuilds a cached chat response for the current
// request: the gateway metadata is restamped so cached, latencyMs, and
// requestId describe this serving, not the original one.
func reviveCachedResponse(body []byte, reqID string, elapsed time.Duration) (*providers.ChatResponse, error) {
	var resp providers.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Gateway == nil {
		resp.Gateway = &providers.GatewayMetadata{}
	}
	resp.Gateway.Cached = true
	resp.Gateway.LatencyMs = elapsed.Milliseconds()
	resp.Gateway.RequestID = reqID
	resp.Gateway.RetryCount = 0
	return &resp, nil
}

// ── Request logging ───────────────────────────────────────────────────────────

// logRequest enqueues an entry to the async request logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, endpoint, provider, model, identifier string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
	retryCount int,
	cost float64,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Endpoint:     endpoint,
		Provider:     provider,
		Model:        model,
		Identifier:   identifier,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latency.Milliseconds(),
		Status:       uint16(status),
		Cached:       isCached,
		RetryCount:   retryCount,
		Cost:         cost,
		CreatedAt:    time.Now(),
	})
}

// ── SSE writer ────────────────────────────────────────────────────────────────

// writeSSE streams chunks to the client as OpenAI-style chat.completion.chunk
// events terminated with [DONE]. onComplete is called once the stream drains
// with an estimated output token count (≈ chars/4).
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, stream <-chan providers.StreamChunk, model string, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streamID := "chatcmpl-" + uuid.New().String()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      streamID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}

// ── Models, health, and admin handlers ────────────────────────────────────────

type modelEntry struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Provider string `json:"provider"`
}

// handleModels serves GET /v1/models: the model patterns advertised by every
// available provider.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	data := make([]modelEntry, 0)
	for _, p := range g.providers {
		if !p.Available() {
			continue
		}
		for _, id := range p.Models() {
			data = append(data, modelEntry{ID: id, Object: "model", Provider: p.Name()})
		}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleHealth serves GET /health.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}

// handleHealthDetailed serves GET /health/detailed with per-provider state.
func (g *Gateway) handleHealthDetailed(ctx *fasthttp.RequestCtx) {
	out := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	}
	if g.health != nil {
		snap := g.health.Snapshot()
		out["status"] = snap.Status
		out["uptime_seconds"] = snap.UptimeSeconds
		out["providers"] = snap.Providers
		out["cache"] = snap.Cache
	}
	writeJSON(ctx, out)
}

// handleAdminCacheClear serves DELETE /admin/cache?pattern=...
func (g *Gateway) handleAdminCacheClear(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		apierr.WriteInvalid(ctx, "cache is not enabled")
		return
	}
	pattern := string(ctx.QueryArgs().Peek("pattern"))

	cleared, err := g.cache.DeletePattern(ctx, pattern)
	if err != nil {
		g.log.ErrorContext(ctx, "cache_clear_error",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)
		apierr.WriteCode(ctx, providers.CodeInternalError, "cache clear failed")
		return
	}

	g.log.InfoContext(ctx, "cache_cleared",
		slog.String("pattern", pattern),
		slog.Int("cleared", cleared),
	)
	writeJSON(ctx, map[string]any{"status": "ok", "cleared": cleared})
}

// handleAdminRateLimitStatus serves GET /admin/ratelimit/{id}.
func (g *Gateway) handleAdminRateLimitStatus(ctx *fasthttp.RequestCtx) {
	if g.limiter == nil {
		apierr.WriteInvalid(ctx, "rate limiting is not enabled")
		return
	}
	id, _ := ctx.UserValue("id").(string)
	info := g.limiter.Status(id)
	writeJSON(ctx, map[string]any{
		"identifier":   id,
		"limit":        info.Limit,
		"remaining":    info.Remaining,
		"resetSeconds": info.ResetSeconds,
	})
}

// handleAdminRateLimitReset serves DELETE /admin/ratelimit/{id}.
func (g *Gateway) handleAdminRateLimitReset(ctx *fasthttp.RequestCtx) {
	if g.limiter == nil {
		apierr.WriteInvalid(ctx, "rate limiting is not enabled")
		return
	}
	id, _ := ctx.UserValue("id").(string)
	g.limiter.Reset(id)
	g.log.InfoContext(ctx, "ratelimit_reset", slog.String("identifier", id))
	writeJSON(ctx, map[string]any{"status": "ok"})
}
