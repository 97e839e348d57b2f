package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by GetString when the key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Cache interface for storing and retrieving query payloads
type Cache interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key string, value string, expiration time.Duration) error
}

// MemoryCache implements an in-memory cache with TTL
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]*cacheItem
}

type cacheItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]*cacheItem),
	}
}

// GetString retrieves a value from memory cache
func (c *MemoryCache) GetString(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(c.items, key)
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return item.value, nil
}

// SetString stores a value with the given TTL; zero means no expiry
func (c *MemoryCache) SetString(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem{value: value}
	if expiration > 0 {
		item.expiresAt = time.Now().Add(expiration)
	}
	c.items[key] = item
	return nil
}

// RedisAdapter implements Cache on top of a RedisClient
type RedisAdapter struct {
	client RedisClient
}

// NewRedisAdapter creates a new Redis adapter
func NewRedisAdapter(client RedisClient) *RedisAdapter {
	return &RedisAdapter{
		client: client,
	}
}

// GetString returns the cached value, ErrCacheMiss when Redis has no such key
func (c *RedisAdapter) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return val, err
}

// SetString stores the value in Redis
func (c *RedisAdapter) SetString(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Close closes the Redis connection
func (c *RedisAdapter) Close() error {
	return c.client.Close()
}

// QueryKey derives the cache key of a query against a database
func QueryKey(database, query string) string {
	sum := sha256.Sum256([]byte(database + "\x00" + strings.TrimSpace(query)))
	return getRedisKey("focil", "query", hex.EncodeToString(sum[:]))
}

// getRedisKey constructs a Redis key from its parts
func getRedisKey(keyType string, parts ...string) string {
	return fmt.Sprintf("%s:%s", keyType, strings.Join(parts, ":"))
}
