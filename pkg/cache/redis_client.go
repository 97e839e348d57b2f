package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by the cache
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// NewRedisClient connects to Redis given either a redis:// URL or a host:port
func NewRedisClient(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{
			Addr: url,
		}
	}
	return redis.NewClient(opt)
}

// New returns a Redis backed cache when url is set and an in-memory one
// otherwise
func New(url string) (Cache, func() error) {
	if url == "" {
		return NewMemoryCache(), func() error { return nil }
	}
	adapter := NewRedisAdapter(NewRedisClient(url))
	return adapter, adapter.Close
}
