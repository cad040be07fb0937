package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// claimLease is how long a claimed task stays invisible to other workers.
const claimLease = 5 * time.Minute

func (s *Store) CreateTask(ctx context.Context, t registrystore.NewTask) (uuid.UUID, error) {
	var taskName *string
	if trimmed := strings.TrimSpace(t.Name); trimmed != "" {
		taskName = &trimmed
	}
	created := now()
	task := model.Task{
		ID:        uuid.New(),
		TaskName:  taskName,
		TaskType:  t.Type,
		TaskBody:  t.Body,
		MaxRetry:  t.MaxRetry,
		CreatedAt: created,
		RetryAt:   created,
	}
	err := s.db.WithContext(ctx).Create(&task).Error
	if err == nil {
		return task.ID, nil
	}
	if taskName != nil && isUniqueViolation(err) {
		// Singleton task already exists; idempotent no-op.
		var existing model.Task
		if err := s.db.WithContext(ctx).Where("task_name = ?", *taskName).Take(&existing).Error; err == nil {
			return existing.ID, nil
		}
		return uuid.Nil, nil
	}
	return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
}

func (s *Store) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	if s.isPostgres() {
		var tasks []model.Task
		err := s.db.WithContext(ctx).Raw(`
			WITH claimed AS (
				SELECT id
				FROM tasks
				WHERE retry_at <= NOW()
				ORDER BY retry_at, created_at
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			UPDATE tasks t
			SET retry_at = NOW() + INTERVAL '5 minutes'
			FROM claimed
			WHERE t.id = claimed.id
			RETURNING t.*
		`, limit).
			Scan(&tasks).Error
		return tasks, err
	}

	// Single-writer dialects: claim inside one transaction.
	var tasks []model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := now()
		if err := tx.Where("retry_at <= ?", current).
			Order("retry_at, created_at").
			Limit(limit).
			Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(tasks))
		for i := range tasks {
			ids[i] = tasks[i].ID
			tasks[i].RetryAt = current.Add(claimLease)
		}
		return tx.Model(&model.Task{}).Where("id IN ?", ids).Update("retry_at", current.Add(claimLease)).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error
}

func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"retry_at":    now().Add(retryDelay),
		"last_error":  errMsg,
	}).Error
}
