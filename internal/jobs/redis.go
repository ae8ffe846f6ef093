package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisDispatcher keeps one list per job name. Consumers pop from the right,
// so normal jobs are pushed on the left and immediate ones on the right.
type RedisDispatcher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDispatcher(ctx context.Context, cfg RedisConfig) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisDispatcher(client, cfg.Prefix), nil
}

func newRedisDispatcher(client redis.UniversalClient, prefix string) *RedisDispatcher {
	if prefix == "" {
		prefix = "portmeter:jobs"
	}
	return &RedisDispatcher{client: client, prefix: prefix}
}

func (d *RedisDispatcher) Queue(name string) string {
	return d.prefix + ":" + name
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	queue := d.Queue(job.Name)
	if job.Priority <= PriorityImmediate {
		err = d.client.RPush(ctx, queue, data).Err()
	} else {
		err = d.client.LPush(ctx, queue, data).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", job.Name, err)
	}
	return nil
}

func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}
