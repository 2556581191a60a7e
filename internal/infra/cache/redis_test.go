package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Redis behavior with a live server is covered by integration
// environments; these tests pin the degrade-to-miss contract.

func TestRedis_InvalidURLDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	cache, err := NewRedis(ctx, RedisOptions{
		URL:        "not-a-redis-url",
		KeyPrefix:  "toolmux:cache:",
		DefaultTTL: time.Minute,
	})
	require.Error(t, err)
	require.NotNil(t, cache)
	require.False(t, cache.Available())

	cache.Set(ctx, "calculator__add", "fp", "3", 0)
	_, ok := cache.Get(ctx, "calculator__add", "fp")
	require.False(t, ok)

	require.Equal(t, 0, cache.Clear(ctx))
	require.Equal(t, Stats{}, cache.Stats(ctx))
	require.NoError(t, cache.Close())
}

func TestRedis_UnreachableServerDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	cache, err := NewRedis(ctx, RedisOptions{
		URL:        "redis://127.0.0.1:1",
		KeyPrefix:  "toolmux:cache:",
		DefaultTTL: time.Minute,
	})
	require.Error(t, err)
	require.False(t, cache.Available())

	_, ok := cache.Get(ctx, "calculator__add", "fp")
	require.False(t, ok)
}
