package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is only correct for a single process.
type MemoryGuard struct {
	mu      sync.Mutex
	now     func() time.Time
	markers map[string]time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{now: time.Now, markers: make(map[string]time.Time)}
}

func (g *MemoryGuard) TryConsume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, ErrEmptyJTI
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if expiry, ok := g.markers[jti]; ok && now.Before(expiry) {
		return false, nil
	}
	g.markers[jti] = now.Add(NormalizeTTL(ttl))
	return true, nil
}

func (g *MemoryGuard) Purge(_ context.Context, now time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for jti, expiry := range g.markers {
		if !now.Before(expiry) {
			delete(g.markers, jti)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live and not yet purged markers.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.markers)
}
