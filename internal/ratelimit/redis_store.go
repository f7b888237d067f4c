package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:subscribe:"

// RedisStore keeps one key per client holding the JSON list of stamps. The
// key expires with the window, so idle clients cost nothing.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load implements WindowStore.
func (s *RedisStore) Load(ctx context.Context, key string) ([]time.Time, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var stamps []time.Time
	if err := json.Unmarshal(raw, &stamps); err != nil {
		return nil, nil
	}
	return stamps, nil
}

// Save implements WindowStore.
func (s *RedisStore) Save(ctx context.Context, key string, stamps []time.Time, ttl time.Duration) error {
	if len(stamps) == 0 {
		return s.client.Del(ctx, redisKeyPrefix+key).Err()
	}
	raw, err := json.Marshal(stamps)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
