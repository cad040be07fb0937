// Package sqlite registers the "sqlite" datastore, used for local development and
// as the default backend of the store tests.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/sqlstore"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			db, err := open(config.FromContext(ctx))
			if err != nil {
				return nil, err
			}
			return sqlstore.New(db), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Store: "sqlite", Migrator: &sqliteMigrator{}})
}

// dsn adds the pragmas the store relies on unless the caller already set query options.
func dsn(path string) string {
	if path == "" {
		path = "chat-service.db"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

func open(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(cfg.DBURL)), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between our own goroutines.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Models lists the tables managed by AutoMigrate.
var Models = []any{
	&model.User{},
	&model.Conversation{},
	&model.Participant{},
	&model.Message{},
	&model.MessageRead{},
	&model.Task{},
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-automigrate" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return errors.New("migration: no config in context")
	}
	db, err := open(cfg)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.WithContext(ctx).AutoMigrate(Models...); err != nil {
		return fmt.Errorf("migration: failed to auto-migrate: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}
