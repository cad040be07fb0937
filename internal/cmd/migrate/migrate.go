package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/cmd/serve"
	"github.com/chirino/chat-service/internal/config"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"
)

// Command returns the migrate sub-command. Store plugins register their migrators
// from init(), and the serve package imports every store plugin.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: serve.StoreFlags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
