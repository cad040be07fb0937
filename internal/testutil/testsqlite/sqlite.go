// Package testsqlite opens a migrated sqlite ChatStore in a temp directory.
package testsqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
)

// NewStore returns a fresh store and a context carrying its config.
func NewStore(tb testing.TB) (registrystore.ChatStore, context.Context) {
	tb.Helper()

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(tb.TempDir(), "chat.db")
	ctx := config.WithContext(context.Background(), &cfg)

	_ = sqlite.ForceImport

	if err := registrymigrate.RunAll(ctx); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	loader, err := registrystore.Select("sqlite")
	if err != nil {
		tb.Fatalf("select sqlite store: %v", err)
	}
	store, err := loader(ctx)
	if err != nil {
		tb.Fatalf("open sqlite store: %v", err)
	}
	return store, ctx
}
