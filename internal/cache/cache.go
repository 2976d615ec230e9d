package cache

import (
	"context"
	"time"
)

// KeyPrefix is prepended to every response-cache key. Admin pattern clears
// are scoped under it so a wildcard never touches foreign keys.
const KeyPrefix = "ai:cache:"

// Cache is the response cache behind the chat and embedding endpoints.
// DeletePattern removes every key matching a glob pattern (scoped under
// KeyPrefix) and returns the number of keys removed.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}
