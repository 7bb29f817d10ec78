package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Deduper hands out each key once within its TTL.
type Deduper interface {
	// Claim reports whether the caller is the first to claim key.
	Claim(ctx context.Context, key string) (bool, error)
}

func dedupeKey(messageId, recipientId int64) string {
	return fmt.Sprintf("fallback:%d:%d", messageId, recipientId)
}

// RedisDeduper claims keys with SET NX so that only one process notifies a
// recipient about a message.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "famchat:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}

	return ok, nil
}

// LRUDeduper is the single-process Deduper.
type LRUDeduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewLRUDeduper(size int, ttl time.Duration) *LRUDeduper {
	return &LRUDeduper{
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

func (d *LRUDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cache.Contains(key) {
		return false, nil
	}
	d.cache.Add(key, struct{}{})

	return true, nil
}
