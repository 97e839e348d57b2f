package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/cache"
)

func TestMemoryCache(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	err := c.SetString(ctx, "test-key", "test-value", time.Second)
	assert.NoError(t, err)

	val, err := c.GetString(ctx, "test-key")
	assert.NoError(t, err)
	assert.Equal(t, "test-value", val)

	// Test expiration
	err = c.SetString(ctx, "expiring-key", "expiring-value", 50*time.Millisecond)
	assert.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	_, err = c.GetString(ctx, "expiring-key")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	// Zero TTL never expires
	require.NoError(t, c.SetString(ctx, "forever", "v", 0))
	val, err = c.GetString(ctx, "forever")
	assert.NoError(t, err)
	assert.Equal(t, "v", val)

	_, err = c.GetString(ctx, "non-existent")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestRedisAdapter(t *testing.T) {
	db, mock := redismock.NewClientMock()
	adapter := cache.NewRedisAdapter(db)
	ctx := context.Background()

	mock.ExpectSet("key1", "value1", time.Minute).SetVal("OK")
	err := adapter.SetString(ctx, "key1", "value1", time.Minute)
	assert.NoError(t, err)

	mock.ExpectGet("key1").SetVal("value1")
	val, err := adapter.GetString(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", val)

	mock.ExpectGet("nonexistent").SetErr(redis.Nil)
	_, err = adapter.GetString(ctx, "nonexistent")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	mock.ExpectGet("broken").SetErr(assert.AnError)
	_, err = adapter.GetString(ctx, "broken")
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, cache.ErrCacheMiss)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestQueryKey(t *testing.T) {
	a := cache.QueryKey("default", "SELECT 1")
	assert.Equal(t, a, cache.QueryKey("default", "  SELECT 1\n"))
	assert.NotEqual(t, a, cache.QueryKey("other", "SELECT 1"))
	assert.NotEqual(t, a, cache.QueryKey("default", "SELECT 2"))
	assert.Regexp(t, `^focil:query:[0-9a-f]{64}$`, a)
}

func TestNewFallsBackToMemory(t *testing.T) {
	c, closeFn := cache.New("")
	defer closeFn()

	_, ok := c.(*cache.MemoryCache)
	assert.True(t, ok)
}
