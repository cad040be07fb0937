package local_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/plugin/layer/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLayer_DeliversToEverySubscriber(t *testing.T) {
	ctx := context.Background()
	l := local.New()

	var a, b []string
	require.NoError(t, l.Subscribe(ctx, func(group string, payload []byte) { a = append(a, group+"="+string(payload)) }))
	require.NoError(t, l.Subscribe(ctx, func(group string, payload []byte) { b = append(b, group+"="+string(payload)) }))

	require.NoError(t, l.Publish(ctx, "c1", []byte("hello")))
	assert.Equal(t, []string{"c1=hello"}, a)
	assert.Equal(t, []string{"c1=hello"}, b)
}

func TestLocalLayer_CanceledSubscriberStopsReceiving(t *testing.T) {
	l := local.New()
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	require.NoError(t, l.Subscribe(ctx, func(string, []byte) { count++ }))
	require.NoError(t, l.Publish(context.Background(), "c1", []byte("x")))
	cancel()
	require.NoError(t, l.Publish(context.Background(), "c1", []byte("y")))
	assert.Equal(t, 1, count)
}

func TestLocalLayer_Closed(t *testing.T) {
	l := local.New()
	require.NoError(t, l.Close())
	assert.Error(t, l.Publish(context.Background(), "c1", []byte("x")))
	assert.Error(t, l.Subscribe(context.Background(), func(string, []byte) {}))
}
