package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Claim(ctx context.Context, commandID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, "claim:"+commandID, "1", ttl).Result()
}

func (r *RedisStore) SaveResult(ctx context.Context, commandID string, result []byte, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "result:"+commandID, result, ttl)
		pipe.Set(ctx, "claim:"+commandID, "1", ttl)
		return nil
	})
	return err
}

func (r *RedisStore) Result(ctx context.Context, commandID string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, "result:"+commandID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
