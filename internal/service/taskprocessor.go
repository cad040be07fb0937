package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
)

// DispatchFunc executes one task body for its task type.
type DispatchFunc func(ctx context.Context, taskType string, body []byte) error

// TaskProcessor polls the store's task table for ready tasks and executes them.
type TaskProcessor struct {
	store      registrystore.ChatStore
	dispatch   DispatchFunc
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a new background task processor.
func NewTaskProcessor(store registrystore.ChatStore, dispatch DispatchFunc, interval, retryDelay time.Duration) *TaskProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &TaskProcessor{
		store:      store,
		dispatch:   dispatch,
		interval:   interval,
		retryDelay: retryDelay,
		batchSize:  100,
	}
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims and executes one batch of ready tasks.
func (p *TaskProcessor) ProcessBatch(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		p.execute(ctx, task)
	}
}

func (p *TaskProcessor) execute(ctx context.Context, task model.Task) {
	err := p.dispatch(ctx, task.TaskType, []byte(task.TaskBody))
	if err == nil {
		if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
			log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
		}
		return
	}

	if task.RetryCount >= task.MaxRetry {
		log.Error("TaskProcessor: task dropped after retries", "taskId", task.ID, "type", task.TaskType, "retries", task.RetryCount, "err", err)
		if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
			log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
		}
		return
	}
	log.Warn("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
	if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
		log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
	}
}
