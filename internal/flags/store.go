package flags

import (
	"context"
	"strings"
	"time"
)

// Store is a shared, TTL-based key-value store. It backs cross-process stop
// flags and task owner records; it is eventually consistent and never used
// as a transactional store.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewStore creates a redis-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, redisURL string) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewRedisStore(ctx, redisURL)
}
