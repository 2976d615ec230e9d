// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from a config.yaml file in the working directory,
// with environment variables taking precedence per field (OPENAI_API_KEY,
// MAX_RETRIES, RPM_LIMIT, and so on). A .env file is loaded into the process
// environment first when present.
//
// The gateway starts with zero configured providers (every adapter then
// reports available=false and requests fail with no_providers_available),
// so no field is strictly required.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/aigateway/ai-gateway/internal/providers"
)

// Provider names recognized in the providers section.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderWorker = "local-worker"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Providers holds the static descriptor for each upstream adapter,
	// keyed by provider name (openai, gemini, claude, local-worker).
	Providers map[string]ProviderConfig

	// Routing controls candidate selection and failover.
	Routing RoutingConfig

	// RateLimit controls per-identifier request-rate limiting.
	RateLimit RateLimitConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// ProviderConfig is the static descriptor for one upstream adapter.
type ProviderConfig struct {
	// Enabled gates the adapter; a disabled adapter is constructed but
	// reports available=false forever.
	Enabled bool

	// APIKey is the upstream credential. The local worker needs none.
	APIKey string

	// BaseURL overrides the upstream endpoint. Useful for mocks.
	BaseURL string

	// DefaultModel is sent upstream when the caller gives no model hint.
	DefaultModel string

	// TimeoutSeconds bounds a single upstream call. Default: 30.
	TimeoutSeconds int

	// Priority orders candidates; lower is higher precedence. Default: 10.
	Priority int

	// Models are the supported-model patterns (case-insensitive substring).
	Models []string

	// Per-token prices for the estimatedCost metadata field.
	PromptPricePerToken     float64
	CompletionPricePerToken float64
}

// Settings converts the descriptor into the shape adapters consume.
func (p ProviderConfig) Settings() providers.Settings {
	return providers.Settings{
		Enabled:                 p.Enabled,
		APIKey:                  p.APIKey,
		BaseURL:                 p.BaseURL,
		DefaultModel:            p.DefaultModel,
		Timeout:                 time.Duration(p.TimeoutSeconds) * time.Second,
		Priority:                p.Priority,
		ModelPatterns:           p.Models,
		PromptPricePerToken:     p.PromptPricePerToken,
		CompletionPricePerToken: p.CompletionPricePerToken,
	}
}

// RoutingConfig controls candidate selection and failover.
type RoutingConfig struct {
	// DefaultProvider is hoisted to the head of the candidate list when the
	// request names no preference. Default: openai.
	DefaultProvider string

	// FallbackEnabled allows the router to advance past the head candidate.
	// When false the candidate list is truncated to its head. Default: true.
	FallbackEnabled bool

	// MaxRetries is the per-candidate retry budget (not counting the first
	// attempt). Default: 2.
	MaxRetries int

	// RetryDelayMs is the initial backoff delay; subsequent retries back off
	// exponentially with jitter. Default: 1000.
	RetryDelayMs int
}

// RateLimitConfig controls per-identifier request-rate limiting.
type RateLimitConfig struct {
	// Enabled turns the limiter on. Default: true.
	Enabled bool

	// RequestsPerMinute is the bucket capacity per identifier. Default: 60.
	RequestsPerMinute int

	// TokensPerMinute is accepted for config compatibility but not enforced.
	TokensPerMinute int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled turns caching on. Default: true.
	Enabled bool

	// Mode selects the backend:
	//   "redis"  — shared Redis cache (requires RedisURL).
	//   "memory" — in-process cache bounded by MaxSize.
	//   "none"   — cache disabled regardless of Enabled.
	// Default: "memory".
	Mode string

	// TTLSeconds is the entry time-to-live. Default: 3600.
	TTLSeconds int

	// MaxSize bounds the in-memory backend's entry count. Default: 10000.
	MaxSize int

	// RedisURL is a redis:// URL, required when Mode is "redis".
	RedisURL string
}

// TTL returns the configured TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// envBindings maps nested config keys to their environment override names.
var envBindings = map[string]string{
	"port":     "PORT",
	"logLevel": "LOG_LEVEL",

	"providers.openai.enabled":      "OPENAI_ENABLED",
	"providers.openai.apiKey":       "OPENAI_API_KEY",
	"providers.openai.baseUrl":      "OPENAI_BASE_URL",
	"providers.openai.defaultModel": "OPENAI_DEFAULT_MODEL",
	"providers.openai.priority":     "OPENAI_PRIORITY",

	"providers.gemini.enabled":      "GEMINI_ENABLED",
	"providers.gemini.apiKey":       "GEMINI_API_KEY",
	"providers.gemini.baseUrl":      "GEMINI_BASE_URL",
	"providers.gemini.defaultModel": "GEMINI_DEFAULT_MODEL",
	"providers.gemini.priority":     "GEMINI_PRIORITY",

	"providers.claude.enabled":      "CLAUDE_ENABLED",
	"providers.claude.apiKey":       "CLAUDE_API_KEY",
	"providers.claude.baseUrl":      "CLAUDE_BASE_URL",
	"providers.claude.defaultModel": "CLAUDE_DEFAULT_MODEL",
	"providers.claude.priority":     "CLAUDE_PRIORITY",

	"providers.local-worker.enabled":      "WORKER_ENABLED",
	"providers.local-worker.baseUrl":      "WORKER_BASE_URL",
	"providers.local-worker.defaultModel": "WORKER_DEFAULT_MODEL",
	"providers.local-worker.priority":     "WORKER_PRIORITY",

	"routing.defaultProvider": "DEFAULT_PROVIDER",
	"routing.fallbackEnabled": "FALLBACK_ENABLED",
	"routing.maxRetries":      "MAX_RETRIES",
	"routing.retryDelayMs":    "RETRY_DELAY_MS",

	"rateLimit.enabled":           "RATE_LIMIT_ENABLED",
	"rateLimit.requestsPerMinute": "RPM_LIMIT",
	"rateLimit.tokensPerMinute":   "TPM_LIMIT",

	"cache.enabled":    "CACHE_ENABLED",
	"cache.mode":       "CACHE_MODE",
	"cache.ttlSeconds": "CACHE_TTL_SECONDS",
	"cache.maxSize":    "CACHE_MAX_SIZE",
	"cache.redisUrl":   "REDIS_URL",
}

// Load reads configuration from config.yaml (when present) and the
// environment, applies defaults, and validates the result.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	cfg := &Config{
		Port:     v.GetInt("port"),
		LogLevel: strings.ToLower(v.GetString("logLevel")),

		Providers: map[string]ProviderConfig{
			ProviderOpenAI: readProvider(v, ProviderOpenAI),
			ProviderGemini: readProvider(v, ProviderGemini),
			ProviderClaude: readProvider(v, ProviderClaude),
			ProviderWorker: readProvider(v, ProviderWorker),
		},

		Routing: RoutingConfig{
			DefaultProvider: v.GetString("routing.defaultProvider"),
			FallbackEnabled: v.GetBool("routing.fallbackEnabled"),
			MaxRetries:      v.GetInt("routing.maxRetries"),
			RetryDelayMs:    v.GetInt("routing.retryDelayMs"),
		},

		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("rateLimit.enabled"),
			RequestsPerMinute: v.GetInt("rateLimit.requestsPerMinute"),
			TokensPerMinute:   v.GetInt("rateLimit.tokensPerMinute"),
		},

		Cache: CacheConfig{
			Enabled:    v.GetBool("cache.enabled"),
			Mode:       strings.ToLower(v.GetString("cache.mode")),
			TTLSeconds: v.GetInt("cache.ttlSeconds"),
			MaxSize:    v.GetInt("cache.maxSize"),
			RedisURL:   v.GetString("cache.redisUrl"),
		},

		CORSOrigins: v.GetStringSlice("corsOrigins"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readProvider(v *viper.Viper, name string) ProviderConfig {
	prefix := "providers." + name + "."
	return ProviderConfig{
		Enabled:                 v.GetBool(prefix + "enabled"),
		APIKey:                  v.GetString(prefix + "apiKey"),
		BaseURL:                 v.GetString(prefix + "baseUrl"),
		DefaultModel:            v.GetString(prefix + "defaultModel"),
		TimeoutSeconds:          v.GetInt(prefix + "timeoutSeconds"),
		Priority:                v.GetInt(prefix + "priority"),
		Models:                  v.GetStringSlice(prefix + "models"),
		PromptPricePerToken:     v.GetFloat64(prefix + "promptPricePerToken"),
		CompletionPricePerToken: v.GetFloat64(prefix + "completionPricePerToken"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("logLevel", "info")
	v.SetDefault("corsOrigins", []string{"*"})

	type provDefault struct {
		name     string
		priority int
		model    string
		models   []string
		inPrice  float64
		outPrice float64
	}
	for _, d := range []provDefault{
		{ProviderOpenAI, 10, "gpt-4o-mini",
			[]string{"gpt-", "o1", "o3", "chatgpt", "text-embedding-"},
			0.00000015, 0.0000006},
		{ProviderGemini, 20, "gemini-1.5-flash",
			[]string{"gemini", "text-embedding-004", "embedding-001"},
			0.000000075, 0.0000003},
		{ProviderClaude, 30, "claude-3-5-sonnet-20241022",
			[]string{"claude"},
			0.000003, 0.000015},
		{ProviderWorker, 40, "local-model",
			[]string{"local", "llama", "mistral", "qwen"},
			0, 0},
	} {
		prefix := "providers." + d.name + "."
		v.SetDefault(prefix+"enabled", false)
		v.SetDefault(prefix+"timeoutSeconds", 30)
		v.SetDefault(prefix+"priority", d.priority)
		v.SetDefault(prefix+"defaultModel", d.model)
		v.SetDefault(prefix+"models", d.models)
		v.SetDefault(prefix+"promptPricePerToken", d.inPrice)
		v.SetDefault(prefix+"completionPricePerToken", d.outPrice)
	}

	v.SetDefault("routing.defaultProvider", ProviderOpenAI)
	v.SetDefault("routing.fallbackEnabled", true)
	v.SetDefault("routing.maxRetries", 2)
	v.SetDefault("routing.retryDelayMs", 1000)

	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.tokensPerMinute", 100_000)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.mode", "memory")
	v.SetDefault("cache.ttlSeconds", 3600)
	v.SetDefault("cache.maxSize", 10_000)
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Enabled && c.Cache.Mode == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; " +
			"set CACHE_MODE=memory to use the built-in in-process cache")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: CACHE_TTL_SECONDS must be positive, got %d", c.Cache.TTLSeconds)
	}

	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Routing.MaxRetries)
	}
	if c.Routing.RetryDelayMs < 0 {
		return fmt.Errorf("config: RETRY_DELAY_MS must be ≥ 0, got %d", c.Routing.RetryDelayMs)
	}
	if _, ok := c.Providers[c.Routing.DefaultProvider]; !ok {
		return fmt.Errorf("config: unknown DEFAULT_PROVIDER %q", c.Routing.DefaultProvider)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 1 when rate limiting is enabled, got %d",
			c.RateLimit.RequestsPerMinute)
	}

	for name, p := range c.Providers {
		if p.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: providers.%s.timeoutSeconds must be positive, got %d", name, p.TimeoutSeconds)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
