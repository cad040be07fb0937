package layer

import (
	"context"
	"fmt"
)

// DeliverFunc receives a payload published to a group on any node.
type DeliverFunc func(group string, payload []byte)

// ChannelLayer carries group broadcasts between nodes. Every subscriber on every
// node receives every payload published to any group.
type ChannelLayer interface {
	Publish(ctx context.Context, group string, payload []byte) error
	// Subscribe registers deliver and returns once the subscription is active.
	// Delivery continues until ctx is canceled or the layer is closed.
	Subscribe(ctx context.Context, deliver DeliverFunc) error
	Close() error
}

// Loader creates a channel layer from config.
type Loader func(ctx context.Context) (ChannelLayer, error)

// Plugin represents a channel layer plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a channel layer plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered channel layer plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named channel layer plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown channel layer %q; valid: %v", name, Names())
}
