package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/config"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/chirino/chat-service/internal/security"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.CodeCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a CodeCache from a Redis URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.CodeCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &redisCodeCache{client: client}, nil
}

type redisCodeCache struct {
	client *goredis.Client
}

func (c *redisCodeCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		security.RecordCacheLookup(false)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	security.RecordCacheLookup(true)
	return v, true, nil
}

func (c *redisCodeCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCodeCache) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *redisCodeCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *redisCodeCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *redisCodeCache) Close() error {
	return c.client.Close()
}

var _ registrycache.CodeCache = (*redisCodeCache)(nil)
