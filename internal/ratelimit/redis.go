package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "tollgate:rl:"

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares windows across gateway replicas.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   DefaultRedisPrefix,
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(key, limit)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decision(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) fallback(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return permissive(limit, l.Window)
}
