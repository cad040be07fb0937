package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
)

// Migrator runs schema migrations for a single plugin.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin is a migrator plus the position and datastore it runs for.
type Plugin struct {
	Order int
	// Store limits the migrator to one datastore type. Empty runs for every store.
	Store    string
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// For returns the migrators that apply to storeType, sorted by Order then name.
func For(storeType string) []Plugin {
	var result []Plugin
	for _, p := range plugins {
		if p.Store == "" || p.Store == storeType {
			result = append(result, p)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Migrator.Name() < result[j].Migrator.Name()
	})
	return result
}

// RunAll executes the migrators for the datastore configured in ctx.
func RunAll(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("migrations need a config in the context")
	}
	selected := For(cfg.DatastoreType)
	if len(selected) == 0 {
		log.Warn("No migrations registered", "store", cfg.DatastoreType)
		return nil
	}
	for _, p := range selected {
		name := p.Migrator.Name()
		start := time.Now()
		log.Info("Running migration", "name", name, "store", cfg.DatastoreType)
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		log.Debug("Migration complete", "name", name, "duration", time.Since(start))
	}
	return nil
}
