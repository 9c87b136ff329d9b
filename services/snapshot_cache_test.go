package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseSnapshotCache(t *testing.T, cache SnapshotCache) {
	t.Helper()
	ctx := context.Background()

	_, found, err := cache.Fingerprint(ctx, 100)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Store(ctx, 100, "abc"))
	require.NoError(t, cache.Store(ctx, 101, "def"))

	fp, found, err := cache.Fingerprint(ctx, 100)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc", fp)

	require.NoError(t, cache.Clear(ctx))
	_, found, err = cache.Fingerprint(ctx, 101)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemorySnapshotCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exerciseSnapshotCache(t, NewMemorySnapshotCache(ctx, time.Hour))
}

func TestMemorySnapshotCacheExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := NewMemorySnapshotCache(ctx, time.Minute)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	cache.cache.now = func() time.Time { return now }

	require.NoError(t, cache.Store(ctx, 100, "abc"))
	now = now.Add(2 * time.Minute)

	_, found, err := cache.Fingerprint(ctx, 100)
	require.NoError(t, err)
	assert.False(t, found)

	cache.cache.cleanup()
	assert.Equal(t, 0, cache.cache.Size())
}

func TestQueryCacheDeletePrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := NewQueryCache(ctx, time.Hour)
	cache.Set("games_a", 1)
	cache.Set("games_b", 2)
	cache.Set("stats", 3)

	assert.Equal(t, 2, cache.DeletePrefix("games_"))
	_, ok := cache.Get("stats")
	assert.True(t, ok)
	assert.Equal(t, 1, cache.Size())
}

func TestGenerateCacheKeyStable(t *testing.T) {
	a := GenerateCacheKey("games", map[string]int{"limit": 10, "offset": 0})
	b := GenerateCacheKey("games", map[string]int{"offset": 0, "limit": 10})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, GenerateCacheKey("games", map[string]int{"limit": 20}))
}

// 需要真实 Redis：REDIS_TEST_ADDR=localhost:6379
func TestRedisSnapshotCache(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client, err := ConnectRedis(context.Background(), addr)
	require.NoError(t, err)
	defer client.Close()

	exerciseSnapshotCache(t, NewRedisSnapshotCache(client, time.Minute))
}
