// Package replay enforces that a ticket id is consumed at most once.
//
// Every backend satisfies the same contract: TryConsume returns true for
// exactly the first caller for a given jti while its marker lives, and
// false for everyone after. A non-nil error means the backend could not
// answer; callers must treat that as a denial.
package replay

import (
	"context"
	"errors"
	"time"
)

var ErrEmptyJTI = errors.New("empty jti")

type Guard interface {
	TryConsume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// Purger removes markers whose expiry is at or before now.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// MinTTL is the shortest marker lifetime any backend records.
const MinTTL = time.Second

// NormalizeTTL clamps ttl to MinTTL.
func NormalizeTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}
