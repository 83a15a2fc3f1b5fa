package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
)

// RedisChannelPrefix namespaces callback Pub/Sub channels
const RedisChannelPrefix = "callback:v1:"

// RedisNotifier publishes messages on Redis Pub/Sub, for callers in other processes
type RedisNotifier struct {
	client redis.UniversalClient
}

// NewRedisNotifier creates a notifier over client
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the Pub/Sub channel a redis://name target publishes to
func Channel(name string) string {
	return RedisChannelPrefix + name
}

// Notify implements Notifier
func (r *RedisNotifier) Notify(ctx context.Context, target *url.URL, msg *Message) error {
	name := targetName(target)
	if name == "" {
		return fmt.Errorf("redis callback target has no channel")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal callback message: %w", err)
	}

	if err := r.client.Publish(ctx, Channel(name), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish callback: %w", err)
	}
	return nil
}
