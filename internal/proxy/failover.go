package proxy

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/aigateway/ai-gateway/internal/providers"
)

// routeChat walks the candidate list, retrying each candidate in place on
// retryable errors before falling back to the next one. The hop index of the
// candidate that finally served the request is reported as retryCount in the
// gateway metadata.
//
// An open circuit breaker counts as a provider failure and moves straight to
// the next candidate without consuming retry attempts.
func (g *Gateway) routeChat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	candidates := g.selectCandidates(routeQuery{
		model:      req.Model,
		preference: g.preferenceFor(req.Provider),
	})
	if len(candidates) == 0 {
		return nil, g.noProvidersError(req.Model)
	}

	var lastErr error
	hop := 0

	for _, prov := range candidates {
		name := prov.Name()

		if !g.breakerAllow(ctx, name, req.RequestID, "chat") {
			lastErr = breakerOpenError(name)
			hop++
			continue
		}

		resp, err := callWithRetry(ctx, g, name, req.RequestID, "chat", func(c context.Context) (*providers.ChatResponse, error) {
			return prov.Chat(c, req)
		})
		if err == nil {
			g.cb.RecordSuccess(name)
			g.observeBreaker(name)
			if resp.Gateway != nil {
				resp.Gateway.RetryCount = hop
			}
			if hop > 0 {
				g.log.InfoContext(ctx, "fallback_success",
					slog.String("request_id", req.RequestID),
					slog.String("provider", name),
					slog.Int("hops", hop),
				)
				if g.metrics != nil {
					g.metrics.RecordFallbackSuccess(candidates[0].Name(), name)
				}
			}
			return resp, nil
		}

		lastErr = err
		hop++
	}

	if g.metrics != nil {
		g.metrics.RecordFallbackExhausted(candidates[0].Name())
	}
	return nil, lastErr
}

// routeChatStream serves a streaming request from the head candidate only:
// once bytes may have been written to the client there is no way to restart
// the response, so streams get no retries and no fallback.
func (g *Gateway) routeChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, string, error) {
	candidates := g.selectCandidates(routeQuery{
		model:      req.Model,
		preference: g.preferenceFor(req.Provider),
	})
	if len(candidates) == 0 {
		return nil, "", g.noProvidersError(req.Model)
	}

	prov := candidates[0]
	name := prov.Name()

	if !g.breakerAllow(ctx, name, req.RequestID, "chat_stream") {
		return nil, name, breakerOpenError(name)
	}

	stream, err := prov.ChatStream(ctx, req)
	if err != nil {
		g.cb.RecordFailure(name)
		g.observeBreaker(name)
		return nil, name, err
	}

	g.cb.RecordSuccess(name)
	g.observeBreaker(name)
	return stream, name, nil
}

// routeEmbedding mirrors routeChat for the embeddings path, with candidates
// restricted to embedding-capable providers.
func (g *Gateway) routeEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	candidates := g.selectCandidates(routeQuery{
		model:      req.Model,
		preference: g.preferenceFor(req.Provider),
		embeddings: true,
	})
	if len(candidates) == 0 {
		return nil, g.noProvidersError(req.Model)
	}

	var lastErr error
	hop := 0

	for _, prov := range candidates {
		name := prov.Name()

		if !g.breakerAllow(ctx, name, req.RequestID, "embeddings") {
			lastErr = breakerOpenError(name)
			hop++
			continue
		}

		resp, err := callWithRetry(ctx, g, name, req.RequestID, "embeddings", func(c context.Context) (*providers.EmbeddingResponse, error) {
			return prov.Embed(c, req)
		})
		if err == nil {
			g.cb.RecordSuccess(name)
			g.observeBreaker(name)
			if resp.Gateway != nil {
				resp.Gateway.RetryCount = hop
			}
			return resp, nil
		}

		lastErr = err
		hop++
	}

	if g.metrics != nil {
		g.metrics.RecordFallbackExhausted(candidates[0].Name())
	}
	return nil, lastErr
}

// callWithRetry runs call against one provider, retrying in place up to
// g.maxRetries times on retryable errors with jittered exponential backoff.
// Breaker outcomes are recorded per attempt; the terminal failure leaves the
// breaker failure already counted.
func callWithRetry[T any](ctx context.Context, g *Gateway, name, requestID, route string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(g.retryDelay, attempt-1)); err != nil {
				return zero, lastErr
			}
			if g.metrics != nil {
				g.metrics.RecordRetry(name)
			}
		}

		start := time.Now()
		resp, err := call(ctx)
		dur := time.Since(start)

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			}
			return resp, nil
		}

		lastErr = err
		code := providers.ErrorCode(err)
		g.cb.RecordFailure(name)
		g.observeBreaker(name)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, code, dur)
			g.metrics.RecordError(name, code)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", requestID),
			slog.String("provider", name),
			slog.Int("attempt", attempt),
			slog.String("code", code),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if !providers.IsRetryable(err) {
			break
		}
	}

	return zero, lastErr
}

// backoffDelay computes the jittered exponential delay for a retry attempt:
// base*2^attempt plus up to half that again in jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << attempt
	return d + rand.N(d/2+1)
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// breakerAllow checks the provider's circuit breaker, logging and counting
// the rejection when it is open.
func (g *Gateway) breakerAllow(ctx context.Context, name, requestID, route string) bool {
	if g.cb.Allow(name) {
		return true
	}
	g.log.WarnContext(ctx, "circuit_breaker_open",
		slog.String("request_id", requestID),
		slog.String("provider", name),
	)
	if g.metrics != nil {
		g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
		g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
	}
	return false
}

func (g *Gateway) observeBreaker(name string) {
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
	}
}

// breakerOpenError is the terminal error for a candidate whose breaker is
// open. It is deliberately not retryable so routing falls through to the
// next candidate instead of hammering the open provider.
func breakerOpenError(name string) *providers.Error {
	return &providers.Error{
		Provider: name,
		Code:     providers.CodeProviderUnavailable,
		Message:  "circuit breaker open",
	}
}

// noProvidersError is the terminal error when the candidate list is empty.
func (g *Gateway) noProvidersError(model string) *providers.Error {
	msg := "no providers available"
	if model != "" {
		msg = "no providers available for model " + model
	}
	return &providers.Error{
		Code:    providers.CodeNoProvidersAvailable,
		Message: msg,
	}
}
