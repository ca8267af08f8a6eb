package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultQueueKey = "completion:queue"

// RedisBroker is a Redis-backed Broker over a single list: producers
// LPUSH, workers BRPOP. Jobs survive process restarts.
type RedisBroker struct {
	client     *redis.Client
	key        string
	popTimeout time.Duration
}

// RedisOptions extends redis.Options with broker configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration

	// Key is the list the broker uses; empty selects the default.
	Key string
}

// NewRedisBroker creates a RedisBroker and verifies connectivity.
func NewRedisBroker(opts RedisOptions) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	key := opts.Key
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisBroker{client: client, key: key, popTimeout: 2 * time.Second}, nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for workflow %d: %v", job.WorkflowID, err)
	}
	if err := b.client.LPush(ctx, b.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %v", b.key, err)
	}
	return nil
}

// Dequeue polls with a bounded BRPOP so context cancellation is observed
// between blocking windows.
func (b *RedisBroker) Dequeue(ctx context.Context) (Job, error) {
	for {
		vals, err := b.client.BRPop(ctx, b.popTimeout, b.key).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("failed to pop from %s: %v", b.key, err)
		}
		if len(vals) != 2 {
			return Job{}, fmt.Errorf("unexpected BRPOP reply from %s: %d values", b.key, len(vals))
		}
		var job Job
		if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
			return Job{}, fmt.Errorf("failed to unmarshal job: %v", err)
		}
		return job, nil
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
