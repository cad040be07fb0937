package redis_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/chirino/chat-service/internal/plugin/cache/redis"
	"github.com/chirino/chat-service/internal/testutil/cachetest"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	url := testredis.StartRedis(t)
	cache, err := redis.LoadFromURL(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	cachetest.Run(t, cache)
}

func TestRedisCache_LoaderRequiresURL(t *testing.T) {
	loader, err := registrycache.Select("redis")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	_, err = loader(config.WithContext(context.Background(), &cfg))
	require.ErrorContains(t, err, "CHAT_SERVICE_REDIS_URL")
}
