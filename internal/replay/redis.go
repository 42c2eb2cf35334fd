package replay

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "tollgate:replay:"

// RedisGuard relies on SET NX PX, which is atomic on the server. Redis
// expires markers itself, so there is nothing to purge.
type RedisGuard struct {
	Client *redis.Client
	Prefix string
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{Client: client, Prefix: DefaultRedisPrefix}
}

func (g *RedisGuard) TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, ErrEmptyJTI
	}
	if g.Client == nil {
		return false, redis.ErrClosed
	}
	value := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	return g.Client.SetNX(ctx, g.Prefix+jti, value, NormalizeTTL(ttl)).Result()
}
