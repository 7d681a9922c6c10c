package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "intel:journal:v1:"

// RedisStore keeps each snapshot as a hash so several intel instances can
// share dedup state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps client. Snapshots expire after ttl; zero keeps them.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.Name()
}

func (s *RedisStore) Load(ctx context.Context, key Key) (map[string]string, error) {
	entries, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Save swaps the whole hash inside MULTI/EXEC.
func (s *RedisStore) Save(ctx context.Context, key Key, entries map[string]string) error {
	k := redisKey(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		if len(entries) == 0 {
			return nil
		}
		values := make([]any, 0, len(entries)*2)
		for raw, id := range entries {
			values = append(values, raw, id)
		}
		pipe.HSet(ctx, k, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	return err
}

// Close releases the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
