package notify

import (
	"context"
	"fmt"
)

// SMS is a templated text message. Params fill the template's placeholders in order.
type SMS struct {
	Mobile   string
	Template string
	Params   []string
}

// Email is a message with a plain-text body and an optional HTML alternative.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Notifier delivers SMS and email on behalf of the account services.
type Notifier interface {
	SendSMS(ctx context.Context, msg SMS) error
	SendEmail(ctx context.Context, msg Email) error
}

// Loader creates a notifier from config.
type Loader func(ctx context.Context) (Notifier, error)

// Plugin represents a notifier plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notifier plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notifier plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notifier plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notifier %q; valid: %v", name, Names())
}
