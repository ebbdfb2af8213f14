// Package ratelimit throttles repeated login attempts with a fixed window counter.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Result represents the outcome of one counted attempt
type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// Limiter counts attempts per key inside a fixed window
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
	Reset(ctx context.Context, key string) error
}

func evaluate(hits, max int64, ttl, window time.Duration) Result {
	remaining := max - hits
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:     hits <= max,
		Remaining:   remaining,
		CurrentHits: hits,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		if res.RetryAfter <= 0 {
			res.RetryAfter = window
		}
	}
	return res
}

// RedisLimiter shares counters between instances through Redis
type RedisLimiter struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
}

// NewRedisLimiter creates a Redis backed limiter
func NewRedisLimiter(client *redis.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		max:    int64(max),
		window: window,
	}
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + strings.ReplaceAll(key, " ", "_")
}

// Allow increments the counter and sets the window expiry on the first hit
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := l.key(key)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis limiter: %w", err)
	}

	remainingTTL := ttl.Val()
	if incr.Val() == 1 || remainingTTL < 0 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return Result{}, fmt.Errorf("redis limiter expire: %w", err)
		}
		remainingTTL = l.window
	}

	return evaluate(incr.Val(), l.max, remainingTTL, l.window), nil
}

// Reset forgets the key's attempts
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}

// MemoryLimiter keeps counters in process. Counts are per instance.
type MemoryLimiter struct {
	counters *gocache.Cache
	max      int64
	window   time.Duration
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		counters: gocache.New(window, window),
		max:      int64(max),
		window:   window,
	}
}

// Allow counts an attempt; the window starts at the first attempt
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (Result, error) {
	var hits int64 = 1
	if err := l.counters.Add(key, hits, l.window); err != nil {
		n, err := l.counters.IncrementInt64(key, 1)
		if err != nil {
			// expired between Add and Increment: start a new window
			l.counters.Set(key, hits, l.window)
			n = hits
		}
		hits = n
	}

	var ttl time.Duration
	if _, exp, ok := l.counters.GetWithExpiration(key); ok && !exp.IsZero() {
		ttl = time.Until(exp)
	}
	return evaluate(hits, l.max, ttl, l.window), nil
}

// Reset forgets the key's attempts
func (l *MemoryLimiter) Reset(ctx context.Context, key string) error {
	l.counters.Delete(key)
	return nil
}
