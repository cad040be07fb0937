package asynq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/queue/asynq"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	"github.com/chirino/chat-service/internal/testutil/testredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsynqQueue_SubmitAndRun(t *testing.T) {
	url := testredis.StartRedis(t)
	q, err := asynq.LoadFromURL(url, 2, 100*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	payloads := make(chan string, 4)
	var attempts atomic.Int32
	q.Handle("account:welcome_email", func(ctx context.Context, payload []byte) error {
		if attempts.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		payloads <- string(payload)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = q.Submit(ctx, registryqueue.Job{Type: "account:welcome_email", Payload: []byte(`{"user_id":"u1"}`), MaxRetry: 3})
	require.NoError(t, err)

	select {
	case got := <-payloads:
		assert.Equal(t, `{"user_id":"u1"}`, got)
	case <-time.After(30 * time.Second):
		t.Fatal("job was not retried to completion")
	}
}

func TestAsynqQueue_UniqueKey(t *testing.T) {
	url := testredis.StartRedis(t)
	q, err := asynq.LoadFromURL(url, 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	job := registryqueue.Job{Type: "chat:cleanup_old_messages", UniqueKey: "chat:cleanup_old_messages:100"}
	first, err := q.Submit(ctx, job)
	require.NoError(t, err)
	second, err := q.Submit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
