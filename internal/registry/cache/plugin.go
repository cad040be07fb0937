package cache

import (
	"context"
	"fmt"
	"time"
)

// CodeCache is a small expiring key/value cache used for one-time verification
// codes, their error counters and resend throttles.
type CodeCache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key is missing and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments an integer counter. ttl applies when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (CodeCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
