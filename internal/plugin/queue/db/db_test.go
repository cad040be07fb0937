package db_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/plugin/queue/db"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBQueue_RunsAndDeletesCompletedJobs(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	q := db.New(store, time.Hour, 0)
	t.Cleanup(func() { _ = q.Close() })

	var got []string
	q.Handle("account:welcome_email", func(ctx context.Context, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})

	handle, err := q.Submit(ctx, registryqueue.Job{Type: "account:welcome_email", Payload: []byte(`{"user_id":"u1"}`), MaxRetry: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ID)

	q.ProcessOnce(ctx)
	assert.Equal(t, []string{`{"user_id":"u1"}`}, got)

	q.ProcessOnce(ctx)
	assert.Len(t, got, 1, "completed job must not run again")
}

func TestDBQueue_RetriesThenDrops(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	q := db.New(store, time.Hour, 0)
	t.Cleanup(func() { _ = q.Close() })

	attempts := 0
	q.Handle("flaky", func(ctx context.Context, payload []byte) error {
		attempts++
		return errors.New("smtp unavailable")
	})

	_, err := q.Submit(ctx, registryqueue.Job{Type: "flaky", MaxRetry: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		q.ProcessOnce(ctx)
	}
	assert.Equal(t, 3, attempts, "one attempt plus two retries")
}

func TestDBQueue_RetrySucceeds(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	q := db.New(store, time.Hour, 0)
	t.Cleanup(func() { _ = q.Close() })

	attempts := 0
	q.Handle("eventually", func(ctx context.Context, payload []byte) error {
		attempts++
		if attempts == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	_, err := q.Submit(ctx, registryqueue.Job{Type: "eventually", MaxRetry: 3})
	require.NoError(t, err)

	q.ProcessOnce(ctx)
	q.ProcessOnce(ctx)
	q.ProcessOnce(ctx)
	assert.Equal(t, 2, attempts)
}

func TestDBQueue_UniqueKeyDeduplicates(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	q := db.New(store, time.Hour, 0)
	t.Cleanup(func() { _ = q.Close() })

	runs := 0
	q.Handle("chat:cleanup_old_messages", func(ctx context.Context, payload []byte) error {
		runs++
		return nil
	})

	job := registryqueue.Job{Type: "chat:cleanup_old_messages", UniqueKey: "chat:cleanup_old_messages:100"}
	first, err := q.Submit(ctx, job)
	require.NoError(t, err)
	second, err := q.Submit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	q.ProcessOnce(ctx)
	assert.Equal(t, 1, runs)
}

func TestDBQueue_SubmitRequiresType(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	q := db.New(store, time.Hour, 0)
	t.Cleanup(func() { _ = q.Close() })

	_, err := q.Submit(ctx, registryqueue.Job{})
	require.Error(t, err)
}

func TestDBQueue_RunAndSchedule(t *testing.T) {
	store, ctx := testsqlite.NewStore(t)
	q := db.New(store, 20*time.Millisecond, 0)

	var runs atomic.Int32
	q.Handle("tick", func(ctx context.Context, payload []byte) error {
		runs.Add(1)
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(runCtx)
	}()
	require.NoError(t, q.Schedule(runCtx, time.Second, registryqueue.Job{Type: "tick"}))

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, q.Close())
	assert.Error(t, q.Schedule(ctx, time.Second, registryqueue.Job{Type: "tick"}))
}

func TestWindowKey(t *testing.T) {
	at := time.Unix(1_700_000_123, 0)
	assert.Equal(t, "chat:cleanup_old_messages:1699920000", registryqueue.WindowKey("chat:cleanup_old_messages", 24*time.Hour, at))
	assert.Equal(t, registryqueue.WindowKey("x", time.Hour, at), registryqueue.WindowKey("x", time.Hour, at.Add(time.Minute)))
}
