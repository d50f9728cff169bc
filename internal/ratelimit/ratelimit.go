// Package ratelimit counts failed attempts per key and locks a key out once
// it reaches a maximum within the lockout window. Counts expire on their own,
// so a locked key is released without any cleanup job.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the shared failed-attempt table.
type Limiter interface {
	// Allowed reports whether key is still below the failure maximum.
	Allowed(ctx context.Context, key string) (bool, error)

	// Record counts one failure against key and returns the new count.
	// The first failure starts the expiry window.
	Record(ctx context.Context, key string) (int64, error)

	// Clear forgets every failure recorded against key.
	Clear(ctx context.Context, key string) error
}

// RedisLimiter keeps counters in Redis so every instance sees the same
// state. Keys are INCR'd and given a TTL on first failure.
type RedisLimiter struct {
	rdb    *redis.Client
	max    int64
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a limiter allowing max failures per window.
func NewRedisLimiter(rdb *redis.Client, max int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		max:    max,
		window: window,
		prefix: "ratelimit:",
	}
}

func (l *RedisLimiter) Allowed(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Get(ctx, l.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("ratelimit get %s: %w", key, err)
	}
	return n < l.max, nil
}

func (l *RedisLimiter) Record(ctx context.Context, key string) (int64, error) {
	k := l.prefix + key
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit record %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (l *RedisLimiter) Clear(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit clear %s: %w", key, err)
	}
	return nil
}

// MemoryLimiter is a process-local Limiter for tests and single-instance
// development setups.
type MemoryLimiter struct {
	mu      sync.Mutex
	max     int64
	window  time.Duration
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	count   int64
	expires time.Time
}

// NewMemoryLimiter creates a limiter allowing max failures per window.
func NewMemoryLimiter(max int64, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:     max,
		window:  window,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allowed(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.live(key)
	return e == nil || e.count < l.max, nil
}

func (l *MemoryLimiter) Record(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.live(key)
	if e == nil {
		e = &entry{expires: l.now().Add(l.window)}
		l.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (l *MemoryLimiter) Clear(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)
	return nil
}

// live returns the unexpired entry for key. Caller holds mu.
func (l *MemoryLimiter) live(key string) *entry {
	e, ok := l.entries[key]
	if !ok {
		return nil
	}
	if !l.now().Before(e.expires) {
		delete(l.entries, key)
		return nil
	}
	return e
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
