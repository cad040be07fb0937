package service

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/dgraph-io/ristretto/v2"
)

const directoryTTL = time.Minute

// Directory resolves user ids to public summaries, caching them briefly in process.
type Directory struct {
	store registrystore.ChatStore
	cache *ristretto.Cache[string, model.UserSummary]
}

// NewDirectory creates a directory in front of the store's accounts.
func NewDirectory(store registrystore.ChatStore) (*Directory, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, model.UserSummary]{
		NumCounters:        100_000,
		MaxCost:            10_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}
	return &Directory{store: store, cache: cache}, nil
}

// Summaries returns a summary for every id. Ids without an account map to a summary
// carrying only the id.
func (d *Directory) Summaries(ctx context.Context, ids []string) (map[string]model.UserSummary, error) {
	result := make(map[string]model.UserSummary, len(ids))
	var missing []string
	for _, id := range ids {
		if _, done := result[id]; done {
			continue
		}
		if s, ok := d.cache.Get(id); ok {
			security.RecordCacheLookup(true)
			result[id] = s
			continue
		}
		security.RecordCacheLookup(false)
		result[id] = model.UserSummary{ID: id}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	users, err := d.store.GetUsers(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, u := range users {
		s := u.Summary()
		result[u.ID] = s
		d.cache.SetWithTTL(u.ID, s, 1, directoryTTL)
	}
	return result, nil
}

// Close releases the cache.
func (d *Directory) Close() {
	d.cache.Close()
}
