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

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Ping checks that the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) SetEndpoint(ctx context.Context, entryID, url string) error {
	return r.client.Set(ctx, "endpoint:"+entryID, url, 0).Err()
}

func (r *RedisStore) GetEndpoint(ctx context.Context, entryID string) (string, error) {
	return r.get(ctx, "endpoint:"+entryID)
}

func (r *RedisStore) DeleteEndpoint(ctx context.Context, entryID string) error {
	return r.client.Del(ctx, "endpoint:"+entryID).Err()
}

func (r *RedisStore) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	count, err := r.client.Exists(ctx, "processed:"+requestID).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) error {
	return r.client.Set(ctx, "processed:"+requestID, "1", ttl).Err()
}

func (r *RedisStore) SetRequestStatus(ctx context.Context, requestID, status string, ttl time.Duration) error {
	return r.client.Set(ctx, "request:"+requestID, status, ttl).Err()
}

func (r *RedisStore) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	return r.get(ctx, "request:"+requestID)
}

func (r *RedisStore) get(ctx context.Context, key string) (string, error) {
	result, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}
