// Package ratelimit is an advisory fixed-window counter. Failures of the
// shared backend fall back to a local window or allow the request.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		now:    time.Now,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decision(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decision(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func permissive(limit int, window time.Duration) Decision {
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(window)}
}
