package docqueue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes queue-state transitions over a redis pub/sub
// channel so external status watchers don't have to poll the document
// index. It is optional: construction failures fall back to a nil
// Notifier at the call site, never block queue mutations.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier parses redisURL (standard redis:// or rediss://
// form) and returns a ready Notifier.
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisNotifier{client: redis.NewClient(opts)}, nil
}

func (r *RedisNotifier) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *RedisNotifier) Close() error {
	return r.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
