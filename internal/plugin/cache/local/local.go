// Package local registers the in-process "local" code cache. Codes are not shared
// between nodes, so multi-node deployments should use the redis cache.
package local

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/chirino/chat-service/internal/security"
	"github.com/dgraph-io/ristretto/v2"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.CodeCache, error) {
			return New()
		},
	})
}

// New creates an empty local cache.
func New() (registrycache.CodeCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        100_000,
		MaxCost:            10_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &localCodeCache{cache: c}, nil
}

// localCodeCache serializes writes so Incr and SetIfAbsent are atomic.
type localCodeCache struct {
	mu    sync.Mutex
	cache *ristretto.Cache[string, string]
}

func (c *localCodeCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.cache.Get(key)
	security.RecordCacheLookup(ok)
	return v, ok, nil
}

func (c *localCodeCache) set(key, value string, ttl time.Duration) error {
	if !c.cache.SetWithTTL(key, value, 1, ttl) {
		return fmt.Errorf("local cache: entry %q was dropped", key)
	}
	// Sets are applied asynchronously; wait so a following Get observes the write.
	c.cache.Wait()
	return nil
}

func (c *localCodeCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(key, value, ttl)
}

func (c *localCodeCache) SetIfAbsent(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache.Get(key); ok {
		return false, nil
	}
	if err := c.set(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (c *localCodeCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if v, ok := c.cache.Get(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("local cache: value of %q is not an integer", key)
		}
		n = parsed
		// Keep the counter's original expiry.
		if remaining, ok := c.cache.GetTTL(key); ok && remaining > 0 {
			ttl = remaining
		}
	}
	n++
	if err := c.set(key, strconv.FormatInt(n, 10), ttl); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *localCodeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cache.Del(k)
	}
	c.cache.Wait()
	return nil
}

func (c *localCodeCache) Close() error {
	c.cache.Close()
	return nil
}

var _ registrycache.CodeCache = (*localCodeCache)(nil)
