package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fedhub:pconfig:"

// Redis keeps values in redis hashes, one hash per scope.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps client. A positive ttl expires a scope's hash after its last write.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedis(client, 0), nil
}

func redisKey(scope string) string {
	return keyPrefix + scope
}

func (r *Redis) Get(ctx context.Context, scope, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, redisKey(scope), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, scope, key, value string) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, redisKey(scope), key, value)
	if r.ttl > 0 {
		pipe.Expire(ctx, redisKey(scope), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Delete(ctx context.Context, scope, key string) error {
	return r.client.HDel(ctx, redisKey(scope), key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
