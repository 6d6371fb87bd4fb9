package namecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "name:"

// RedisStore shares resolved names across pipeline instances
type RedisStore struct {
	Client *redis.Client
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) Get(ctx context.Context, symbol string) (string, bool, error) {
	name, err := s.Client.Get(ctx, keyPrefix+symbol).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get cached name for %s: %w", symbol, err)
	}
	return name, true, nil
}

func (s *RedisStore) SetName(ctx context.Context, symbol, name string) error {
	if err := s.Client.Set(ctx, keyPrefix+symbol, name, 0).Err(); err != nil {
		return fmt.Errorf("failed to cache name for %s: %w", symbol, err)
	}
	return nil
}

func (s *RedisStore) SetFallback(ctx context.Context, symbol string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.Client.Set(ctx, keyPrefix+symbol, symbol, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache fallback name for %s: %w", symbol, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.Client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cached names: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.Client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear cached names: %w", err)
	}
	return nil
}
