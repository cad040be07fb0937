// Package cleanup provides the one-shot retention sweep for external schedulers.
package cleanup

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/cmd/serve"
	"github.com/chirino/chat-service/internal/config"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/service"
	"github.com/urfave/cli/v3"
)

// Command returns the cleanup sub-command. It exits non-zero when the sweep fails
// so cron or a Kubernetes CronJob can retry it.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	flags := append(serve.StoreFlags(&cfg),
		&cli.DurationFlag{
			Name:        "retention",
			Category:    "Retention:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MESSAGE_RETENTION"),
			Destination: &cfg.MessageRetention,
			Value:       cfg.MessageRetention,
			Usage:       "Delete messages older than this",
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Category:    "Retention:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PURGE_BATCH_SIZE"),
			Destination: &cfg.PurgeBatchSize,
			Value:       cfg.PurgeBatchSize,
			Usage:       "Messages deleted per transaction",
		},
	)
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete messages older than the retention window",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			deleted, err := Run(config.WithContext(ctx, &cfg), &cfg)
			if err != nil {
				return err
			}
			log.Info("Cleanup finished", "deleted", deleted)
			return nil
		},
	}
}

// Run opens the configured store and runs one retention sweep.
func Run(ctx context.Context, cfg *config.Config) (int64, error) {
	loader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return 0, err
	}
	store, err := loader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize store: %w", err)
	}
	return service.NewRetentionService(store, cfg).Run(ctx)
}
