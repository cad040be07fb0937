package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	registrylayer "github.com/chirino/chat-service/internal/registry/layer"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrylayer.Register(registrylayer.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrylayer.ChannelLayer, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis channel layer: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.ChannelLayerPrefix)
}

// LoadFromURL connects a channel layer that publishes group payloads on
// prefix+group and pattern-subscribes to prefix*.
func LoadFromURL(ctx context.Context, redisURL string, prefix string) (*Layer, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis channel layer: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis channel layer: ping failed: %w", err)
	}
	return &Layer{client: client, prefix: prefix}, nil
}

// Layer is a ChannelLayer over Redis pub/sub.
type Layer struct {
	client *goredis.Client
	prefix string

	mu      sync.Mutex
	pubsubs []*goredis.PubSub
}

func (l *Layer) Publish(ctx context.Context, group string, payload []byte) error {
	if err := l.client.Publish(ctx, l.prefix+group, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to group %s: %w", group, err)
	}
	return nil
}

func (l *Layer) Subscribe(ctx context.Context, deliver registrylayer.DeliverFunc) error {
	pubsub := l.client.PSubscribe(ctx, l.prefix+"*")
	// Wait for the subscription confirmation so publishes after return are seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	l.mu.Lock()
	l.pubsubs = append(l.pubsubs, pubsub)
	l.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				group, found := strings.CutPrefix(msg.Channel, l.prefix)
				if !found {
					log.Warn("ChannelLayer: unexpected channel", "channel", msg.Channel)
					continue
				}
				deliver(group, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (l *Layer) Close() error {
	l.mu.Lock()
	pubsubs := l.pubsubs
	l.pubsubs = nil
	l.mu.Unlock()
	for _, p := range pubsubs {
		_ = p.Close()
	}
	return l.client.Close()
}

var _ registrylayer.ChannelLayer = (*Layer)(nil)
