package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gwcache "github.com/aigateway/ai-gateway/internal/cache"
	"github.com/aigateway/ai-gateway/internal/logger"
	"github.com/aigateway/ai-gateway/internal/metrics"
	"github.com/aigateway/ai-gateway/internal/proxy"
	"github.com/aigateway/ai-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Enabled && a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Cache.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the fixed adapter set. Providers without credentials
// stay constructed but unavailable, so the gateway can start with none and
// answer every request with no_providers_available.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.cfg)

	available := make([]string, 0, len(a.provs))
	for _, p := range a.provs {
		if p.Available() {
			available = append(available, p.Name())
		}
	}
	a.log.Info("providers loaded",
		slog.Int("total", len(a.provs)),
		slog.Any("available", available),
	)

	return nil
}

// initServices creates the cache backend, rate limiter, metrics registry,
// and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.Cache.Enabled {
		switch a.cfg.Cache.Mode {
		case "redis":
			a.log.Info("cache backend: redis")
		case "memory":
			a.memCache = gwcache.NewMemoryCache(ctx, a.cfg.Cache.MaxSize)
			a.log.Info("cache backend: memory (in-process)",
				slog.Int("max_size", a.cfg.Cache.MaxSize))
		case "none":
			a.log.Info("cache backend: disabled")
		}
	} else {
		a.log.Info("cache disabled")
	}

	if a.cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(a.cfg.RateLimit.RequestsPerMinute)
		a.log.Info("rate limiting enabled",
			slog.Int("requests_per_minute", a.cfg.RateLimit.RequestsPerMinute))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cacheImpl gwcache.Cache
	var cacheReady func() bool

	if a.cfg.Cache.Enabled {
		switch a.cfg.Cache.Mode {
		case "redis":
			cacheImpl = gwcache.NewRedisCacheFromClient(a.rdb)
			cacheReady = redisPinger(a.baseCtx, a.rdb)
		case "memory":
			cacheImpl = a.memCache
			cacheReady = func() bool { return true }
		}
	}

	opts := proxy.GatewayOptions{
		Logger:           a.log,
		MaxRetries:       a.cfg.Routing.MaxRetries,
		RetryDelay:       time.Duration(a.cfg.Routing.RetryDelayMs) * time.Millisecond,
		FallbackDisabled: !a.cfg.Routing.FallbackEnabled,
		DefaultProvider:  a.cfg.Routing.DefaultProvider,
		CacheTTL:         a.cfg.Cache.TTL(),
		Metrics:          a.prom,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	if a.limiter != nil {
		gw.SetRateLimiter(a.limiter)
	}
	gw.SetRequestLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
