package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// popToSet moves the list head into the in-flight set in one round trip so
// two workers can never dequeue the same id.
var popToSet = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
	redis.call('SADD', KEYS[2], id)
	return id
end
return false
`)

// RedisStore is a Redis-backed implementation of Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at rawURL. A non-empty token
// overrides the password embedded in the URL.
func NewRedisStore(ctx context.Context, rawURL, token string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if token != "" {
		opts.Password = token
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (s *RedisStore) Push(ctx context.Context, list, value string) (int64, error) {
	n, err := s.client.RPush(ctx, list, value).Result()
	if err != nil {
		return 0, fmt.Errorf("rpush %s: %w", list, err)
	}
	return n, nil
}

func (s *RedisStore) Len(ctx context.Context, list string) (int64, error) {
	n, err := s.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", list, err)
	}
	return n, nil
}

func (s *RedisStore) Index(ctx context.Context, list, value string) (int64, error) {
	pos, err := s.client.LPos(ctx, list, value, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("lpos %s: %w", list, err)
	}
	return pos, nil
}

func (s *RedisStore) PopTo(ctx context.Context, list, set string) (string, bool, error) {
	v, err := popToSet.Run(ctx, s.client, []string{list, set}).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop %s: %w", list, err)
	}
	return v, true, nil
}

func (s *RedisStore) SetRemove(ctx context.Context, set, member string) error {
	if err := s.client.SRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", set, err)
	}
	return nil
}

func (s *RedisStore) SetContains(ctx context.Context, set, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", set, err)
	}
	return ok, nil
}

func (s *RedisStore) SetCard(ctx context.Context, set string) (int64, error) {
	n, err := s.client.SCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", set, err)
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
