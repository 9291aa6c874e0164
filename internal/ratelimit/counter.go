// Package ratelimit implements per-identifier fixed-window request counting
// over a shared counter store with an in-process fallback.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter atomically increments a windowed key and returns the new value.
// The key must expire no earlier than ttl after its first increment.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

var (
	_ Counter = (*RedisCounter)(nil)
	_ Counter = (*LocalCounter)(nil)
)

// RedisCounter is the authoritative counter shared by all service instances.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter wraps a go-redis client. Keys are namespaced by prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Increment performs INCR and EXPIRE inside one MULTI/EXEC round trip, so a
// cancelled caller either counted fully or not at all.
func (c *RedisCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("ratelimit: redis client not configured")
	}
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, c.prefix+key)
		pipe.Expire(ctx, c.prefix+key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Ping checks connectivity to the counter store.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// LocalCounter counts in process memory. It only approximates a shared
// limit and is used while the shared store is unreachable.
type LocalCounter struct {
	mu        sync.Mutex
	entries   map[string]localEntry
	now       func() time.Time
	lastSweep time.Time
}

type localEntry struct {
	count   int64
	expires time.Time
}

// NewLocalCounter creates an empty in-process counter.
func NewLocalCounter(now func() time.Time) *LocalCounter {
	if now == nil {
		now = time.Now
	}
	return &LocalCounter{entries: make(map[string]localEntry), now: now}
}

func (c *LocalCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) > time.Minute {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		c.lastSweep = now
	}
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		e = localEntry{expires: now.Add(ttl)}
	}
	e.count++
	c.entries[key] = e
	return e.count, nil
}

// Len reports the number of tracked keys.
func (c *LocalCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
