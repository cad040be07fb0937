package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/layer/redis"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) deliver(group string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, group+"="+string(payload))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestRedisLayer_DeliversAcrossNodes(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodeA, err := redis.LoadFromURL(ctx, url, "chat:group:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = nodeA.Close() })
	nodeB, err := redis.LoadFromURL(ctx, url, "chat:group:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = nodeB.Close() })

	var onA, onB recorder
	require.NoError(t, nodeA.Subscribe(ctx, onA.deliver))
	require.NoError(t, nodeB.Subscribe(ctx, onB.deliver))

	require.NoError(t, nodeA.Publish(ctx, "conv-1", []byte(`{"message":"hi"}`)))

	want := []string{`conv-1={"message":"hi"}`}
	require.Eventually(t, func() bool { return len(onA.snapshot()) == 1 && len(onB.snapshot()) == 1 },
		5*time.Second, 20*time.Millisecond)
	assert.Equal(t, want, onA.snapshot())
	assert.Equal(t, want, onB.snapshot())
}

func TestRedisLayer_IgnoresOtherPrefixes(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	chat, err := redis.LoadFromURL(ctx, url, "chat:group:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = chat.Close() })
	other, err := redis.LoadFromURL(ctx, url, "other:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	var got recorder
	require.NoError(t, chat.Subscribe(ctx, got.deliver))
	require.NoError(t, other.Publish(ctx, "conv-1", []byte("ignored")))
	require.NoError(t, chat.Publish(ctx, "conv-2", []byte("seen")))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"conv-2=seen"}, got.snapshot())
}
