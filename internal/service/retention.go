package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
)

// RetentionService deletes messages older than the retention window.
type RetentionService struct {
	store     registrystore.ChatStore
	retention time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionService creates a retention sweep from config.
func NewRetentionService(store registrystore.ChatStore, cfg *config.Config) *RetentionService {
	return &RetentionService{
		store:     store,
		retention: cfg.MessageRetention,
		batchSize: cfg.PurgeBatchSize,
		now:       time.Now,
	}
}

// Run purges every message older than the cutoff and returns how many were deleted.
// A failed run may have deleted some batches; running it again finishes the job.
func (r *RetentionService) Run(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		log.Info("Retention: disabled")
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-r.retention)
	log.Info("Retention: starting", "cutoff", cutoff, "batchSize", r.batchSize)

	deleted, err := r.store.PurgeMessagesBefore(ctx, cutoff, r.batchSize)
	security.RecordPurged(deleted)
	if err != nil {
		log.Error("Retention: purge failed", "deleted", deleted, "err", err)
		return deleted, fmt.Errorf("failed to purge messages: %w", err)
	}
	log.Info("Retention: complete", "deleted", deleted)
	return deleted, nil
}

// Handle runs the sweep as a queued job. Errors are returned so the queue retries.
func (r *RetentionService) Handle(ctx context.Context, _ []byte) error {
	_, err := r.Run(ctx)
	return err
}
