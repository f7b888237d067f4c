package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL bounds how long a claimed key is remembered.
const DefaultDedupeTTL = 7 * 24 * time.Hour

// Deduper guarantees an event key is claimed at most once.
type Deduper interface {
	// Claim returns true the first time key is seen.
	Claim(ctx context.Context, key string) (bool, error)
}

// RedisDeduper claims keys with SET NX so the guarantee holds across
// restarts of the process.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper; ttl <= 0 uses
// DefaultDedupeTTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, "signup:notify:"+key, "1", d.ttl).Result()
}

// MemoryDeduper is an in-process deduper.
type MemoryDeduper struct {
	seen sync.Map
}

// NewMemoryDeduper creates an empty in-process deduper.
func NewMemoryDeduper() *MemoryDeduper { return &MemoryDeduper{} }

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	_, loaded := d.seen.LoadOrStore(key, struct{}{})
	return !loaded, nil
}
