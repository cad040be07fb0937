// Package cachetest holds behaviour checks shared by every CodeCache plugin.
package cachetest

import (
	"context"
	"testing"
	"time"

	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a CodeCache. Keys are randomized so a shared backend can be reused.
func Run(t *testing.T, cache registrycache.CodeCache) {
	ctx := context.Background()
	key := func(name string) string { return name + ":" + uuid.NewString() }

	t.Run("get missing", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, key("missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set and get", func(t *testing.T) {
		k := key("code")
		require.NoError(t, cache.Set(ctx, k, "123456", time.Minute))
		v, ok, err := cache.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "123456", v)
	})

	t.Run("set overwrites", func(t *testing.T) {
		k := key("code")
		require.NoError(t, cache.Set(ctx, k, "111111", time.Minute))
		require.NoError(t, cache.Set(ctx, k, "222222", time.Minute))
		v, _, err := cache.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, "222222", v)
	})

	t.Run("set if absent", func(t *testing.T) {
		k := key("throttle")
		stored, err := cache.SetIfAbsent(ctx, k, "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, stored)

		stored, err = cache.SetIfAbsent(ctx, k, "2", time.Minute)
		require.NoError(t, err)
		assert.False(t, stored)

		v, _, err := cache.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, "1", v)
	})

	t.Run("incr counts from one", func(t *testing.T) {
		k := key("errors")
		for want := int64(1); want <= 3; want++ {
			n, err := cache.Incr(ctx, k, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})

	t.Run("delete", func(t *testing.T) {
		a, b := key("a"), key("b")
		require.NoError(t, cache.Set(ctx, a, "x", time.Minute))
		_, err := cache.Incr(ctx, b, time.Minute)
		require.NoError(t, err)

		require.NoError(t, cache.Delete(ctx, a, b, key("never-set")))
		_, ok, err := cache.Get(ctx, a)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := cache.Incr(ctx, b, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("entries expire", func(t *testing.T) {
		k := key("short")
		require.NoError(t, cache.Set(ctx, k, "x", time.Second))
		require.Eventually(t, func() bool {
			_, ok, err := cache.Get(ctx, k)
			return err == nil && !ok
		}, 5*time.Second, 100*time.Millisecond)
	})
}
