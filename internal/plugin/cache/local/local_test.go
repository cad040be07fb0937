package local_test

import (
	"testing"

	"github.com/chirino/chat-service/internal/plugin/cache/local"
	"github.com/chirino/chat-service/internal/testutil/cachetest"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	cache, err := local.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	cachetest.Run(t, cache)
}
