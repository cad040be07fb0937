// Package asynq registers the "asynq" job queue backed by Redis through hibiken/asynq.
package asynq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registryqueue "github.com/chirino/chat-service/internal/registry/queue"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/hibiken/asynq"
)

func init() {
	registryqueue.Register(registryqueue.Plugin{
		Name:   "asynq",
		Loader: load,
	})
}

func load(ctx context.Context, _ registrystore.ChatStore) (registryqueue.Queue, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("asynq queue: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(cfg.RedisURL, cfg.QueueConcurrency, cfg.QueueRetryDelay)
}

// LoadFromURL creates an asynq queue. Failed jobs are retried after retryDelay.
func LoadFromURL(redisURL string, concurrency int, retryDelay time.Duration) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq queue: parse redis URL: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
		LogLevel:    asynq.WarnLevel,
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return retryDelay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried >= maxRetry {
				log.Error("TaskProcessor: task dropped after retries", "type", task.Type(), "retries", retried, "err", err)
				return
			}
			log.Warn("TaskProcessor: task failed", "type", task.Type(), "err", err)
		}),
	})

	return &Queue{
		opt:    opt,
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
	}, nil
}

// Queue is a job queue on top of an asynq client, server and scheduler.
type Queue struct {
	opt    asynq.RedisConnOpt
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux

	mu        sync.Mutex
	scheduler *asynq.Scheduler
}

func (q *Queue) Submit(ctx context.Context, job registryqueue.Job) (registryqueue.JobHandle, error) {
	if job.Type == "" {
		return registryqueue.JobHandle{}, &registrystore.ValidationError{Field: "type", Message: "job type is required"}
	}
	opts := []asynq.Option{asynq.MaxRetry(job.MaxRetry)}
	if job.UniqueKey != "" {
		opts = append(opts, asynq.TaskID(job.UniqueKey))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(job.Type, job.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return registryqueue.JobHandle{ID: job.UniqueKey}, nil
	}
	if err != nil {
		return registryqueue.JobHandle{}, fmt.Errorf("failed to submit %s job: %w", job.Type, err)
	}
	return registryqueue.JobHandle{ID: info.ID}, nil
}

func (q *Queue) Handle(jobType string, h registryqueue.Handler) {
	q.mux.HandleFunc(jobType, func(ctx context.Context, t *asynq.Task) error {
		err := h(ctx, t.Payload())
		security.RecordJob(t.Type(), err)
		return err
	})
}

// Schedule registers an "@every" entry. asynq.Unique keeps schedulers on several
// nodes from enqueuing the same window twice.
func (q *Queue) Schedule(_ context.Context, every time.Duration, job registryqueue.Job) error {
	if every <= 0 {
		return &registrystore.ValidationError{Field: "every", Message: "schedule interval must be positive"}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	start := false
	if q.scheduler == nil {
		q.scheduler = asynq.NewScheduler(q.opt, &asynq.SchedulerOpts{Location: time.UTC, LogLevel: asynq.WarnLevel})
		start = true
	}
	opts := []asynq.Option{asynq.MaxRetry(job.MaxRetry), asynq.Unique(every)}
	if _, err := q.scheduler.Register("@every "+every.String(), asynq.NewTask(job.Type, job.Payload), opts...); err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", job.Type, err)
	}
	if start {
		if err := q.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// Run starts the asynq worker and blocks until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.server.Start(q.mux); err != nil {
		return fmt.Errorf("failed to start asynq worker: %w", err)
	}
	log.Info("Job queue worker started", "queue", "asynq")
	<-ctx.Done()
	q.server.Shutdown()
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	if q.scheduler != nil {
		q.scheduler.Shutdown()
		q.scheduler = nil
	}
	q.mu.Unlock()
	return q.client.Close()
}

var _ registryqueue.Queue = (*Queue)(nil)
