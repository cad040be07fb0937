// Package local registers the in-process channel layer. Publish delivers
// synchronously to the subscribers of this process only.
package local

import (
	"context"
	"errors"
	"sync"

	registrylayer "github.com/chirino/chat-service/internal/registry/layer"
)

func init() {
	registrylayer.Register(registrylayer.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrylayer.ChannelLayer, error) {
			return New(), nil
		},
	})
}

var errClosed = errors.New("channel layer closed")

type subscriber struct {
	ctx     context.Context
	deliver registrylayer.DeliverFunc
}

// Layer is the in-process ChannelLayer.
type Layer struct {
	mu     sync.RWMutex
	subs   []subscriber
	closed bool
}

// New creates an empty local layer.
func New() *Layer {
	return &Layer{}
}

func (l *Layer) Publish(_ context.Context, group string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return errClosed
	}
	subs := make([]subscriber, len(l.subs))
	copy(subs, l.subs)
	l.mu.RUnlock()

	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		s.deliver(group, payload)
	}
	return nil
}

func (l *Layer) Subscribe(ctx context.Context, deliver registrylayer.DeliverFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	l.subs = append(l.subs, subscriber{ctx: ctx, deliver: deliver})
	return nil
}

func (l *Layer) Close() error {
	l.mu.Lock()
	l.closed = true
	l.subs = nil
	l.mu.Unlock()
	return nil
}

var _ registrylayer.ChannelLayer = (*Layer)(nil)
