package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisQueue pushes notifications onto a Redis list consumed by the
// notification worker.
type RedisQueue struct {
	redis *redis.Client
	key   string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{redis: client, key: key}
}

func (q *RedisQueue) Notify(ctx context.Context, n Notification) error {
	data, err := n.encode()
	if err != nil {
		return err
	}
	if err := q.redis.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	return nil
}
