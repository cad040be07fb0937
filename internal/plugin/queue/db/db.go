// Package db registers the "db" job queue, which keeps jobs in the chat store's
// task table and executes them with a polling TaskProcessor.
package db

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
	"github.com/chirino/chat-service/internal/service"
)

func init() {
	registryqueue.Register(registryqueue.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context, store registrystore.ChatStore) (registryqueue.Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("db queue: a store is required")
	}
	cfg := config.FromContext(ctx)
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}
	return New(store, cfg.QueuePollInterval, cfg.QueueRetryDelay), nil
}

var errClosed = errors.New("queue closed")

// Queue is a job queue backed by the store's task table.
type Queue struct {
	store     registrystore.ChatStore
	processor *service.TaskProcessor

	mu       sync.RWMutex
	handlers map[string]registryqueue.Handler

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates a db queue polling every interval. Failed jobs become ready again after retryDelay.
func New(store registrystore.ChatStore, interval, retryDelay time.Duration) *Queue {
	q := &Queue{
		store:    store,
		handlers: map[string]registryqueue.Handler{},
		closed:   make(chan struct{}),
	}
	q.processor = service.NewTaskProcessor(store, q.dispatch, interval, retryDelay)
	return q
}

func (q *Queue) Submit(ctx context.Context, job registryqueue.Job) (registryqueue.JobHandle, error) {
	if job.Type == "" {
		return registryqueue.JobHandle{}, &registrystore.ValidationError{Field: "type", Message: "job type is required"}
	}
	id, err := q.store.CreateTask(ctx, registrystore.NewTask{
		Name:     job.UniqueKey,
		Type:     job.Type,
		Body:     string(job.Payload),
		MaxRetry: job.MaxRetry,
	})
	if err != nil {
		return registryqueue.JobHandle{}, fmt.Errorf("failed to submit %s job: %w", job.Type, err)
	}
	return registryqueue.JobHandle{ID: id.String()}, nil
}

func (q *Queue) Handle(jobType string, h registryqueue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) dispatch(ctx context.Context, taskType string, body []byte) error {
	q.mu.RLock()
	h, ok := q.handlers[taskType]
	q.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("no handler for job type %q", taskType)
		security.RecordJob(taskType, err)
		return err
	}
	err := h(ctx, body)
	security.RecordJob(taskType, err)
	return err
}

// Schedule submits job at every interval boundary. The singleton key for each
// window is shared by all nodes, so only one job runs per window.
func (q *Queue) Schedule(ctx context.Context, every time.Duration, job registryqueue.Job) error {
	if every <= 0 {
		return &registrystore.ValidationError{Field: "every", Message: "schedule interval must be positive"}
	}
	select {
	case <-q.closed:
		return errClosed
	default:
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			now := time.Now()
			next := now.Truncate(every).Add(every)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.closed:
				timer.Stop()
				return
			case fired := <-timer.C:
				scheduled := job
				scheduled.UniqueKey = registryqueue.WindowKey(job.Type, every, fired)
				if _, err := q.Submit(ctx, scheduled); err != nil {
					log.Error("Scheduler: submit failed", "type", job.Type, "err", err)
				}
			}
		}
	}()
	return nil
}

// Run polls for ready jobs until ctx is canceled or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	log.Info("Job queue worker started", "queue", "db")
	q.processor.Start(ctx)
	return nil
}

// ProcessOnce claims and executes one batch of ready jobs.
func (q *Queue) ProcessOnce(ctx context.Context) {
	q.processor.ProcessBatch(ctx)
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	q.wg.Wait()
	return nil
}

var _ registryqueue.Queue = (*Queue)(nil)
