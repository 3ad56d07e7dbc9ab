package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/securechat/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a realtime bus over Redis pub/sub. Channels are namespaced so
// several deployments can share one server.
type Redis struct {
	client *redis.Client
	ns     string
	logger *zap.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ns: namespace, logger: logger}
}

func (r *Redis) channel(chatID string) string {
	return r.ns + ":" + Topic(chatID)
}

func (r *Redis) Publish(ctx context.Context, msg model.RemoteMessage) error {
	data, err := json.Marshal(created(msg))
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(msg.ChatID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel(msg.ChatID), err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, chatID string) (<-chan Event, func(), error) {
	ps := r.client.Subscribe(ctx, r.channel(chatID))
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", r.channel(chatID), err)
	}
	out, stop := pump(ctx, ps.Channel(), func(m *redis.Message) (Event, error) {
		var evt Event
		if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
			return Event{}, err
		}
		return evt, nil
	}, func() { _ = ps.Close() }, r.logger)
	return out, stop, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
