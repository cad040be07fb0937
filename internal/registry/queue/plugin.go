package queue

import (
	"context"
	"fmt"
	"time"

	registrystore "github.com/chirino/chat-service/internal/registry/store"
)

// Job is a unit of background work. Handlers must be idempotent: a job can run
// more than once when a worker fails after the handler succeeded.
type Job struct {
	Type    string
	Payload []byte
	// MaxRetry is how many times a failed job is retried before it is dropped.
	MaxRetry int
	// UniqueKey, when set, makes submission a no-op while a job with the same key
	// is still pending.
	UniqueKey string
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID string
}

// Handler executes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, payload []byte) error

// Queue submits, schedules and executes background jobs.
type Queue interface {
	Submit(ctx context.Context, job Job) (JobHandle, error)
	// Handle registers the handler for a job type. Call before Run.
	Handle(jobType string, h Handler)
	// Schedule submits job once per interval until ctx is canceled or the queue is closed.
	// Nodes sharing a backend submit each interval's job at most once.
	Schedule(ctx context.Context, every time.Duration, job Job) error
	// Run executes submitted jobs until ctx is canceled.
	Run(ctx context.Context) error
	Close() error
}

// Loader creates a queue from config. The db plugin keeps its jobs in the store.
type Loader func(ctx context.Context, store registrystore.ChatStore) (Queue, error)

// Plugin represents a queue plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a queue plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered queue plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named queue plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown queue %q; valid: %v", name, Names())
}

// WindowKey names the singleton job for the scheduling window that contains t.
func WindowKey(jobType string, every time.Duration, t time.Time) string {
	return fmt.Sprintf("%s:%d", jobType, t.Truncate(every).Unix())
}
