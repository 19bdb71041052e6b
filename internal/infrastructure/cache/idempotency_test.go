package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) (*IdempotencyCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewIdempotencyCacheWithClient(client, time.Hour, zaptest.NewLogger(t)), mr
}

func TestIdempotencyCache(t *testing.T) {
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		cache, _ := newTestCache(t)

		_, ok, err := cache.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.False(t, ok)

		paymentID := uuid.New()
		require.NoError(t, cache.Set(ctx, "key-1", paymentID))

		got, ok, err := cache.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, paymentID, got)
	})

	t.Run("entries expire", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, cache.Set(ctx, "key-2", uuid.New()))
		mr.FastForward(2 * time.Hour)

		_, ok, err := cache.Get(ctx, "key-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed entry treated as miss", func(t *testing.T) {
		cache, mr := newTestCache(t)

		require.NoError(t, mr.Set(cacheKey("key-3"), "not-a-uuid"))
		_, ok, err := cache.Get(ctx, "key-3")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
