// Package replaytest holds the contract every replay.Guard must satisfy.
package replaytest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/replay"
)

// Parallelism is the number of concurrent consumers raced per jti.
const Parallelism = 50

// NewJTI returns a fresh random ticket id.
func NewJTI(t testing.TB) string {
	t.Helper()
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}

// Run exercises g against the one-time-use contract.
func Run(t *testing.T, g replay.Guard) {
	t.Helper()
	ctx := context.Background()

	t.Run("sequential", func(t *testing.T) {
		jti := NewJTI(t)
		first, err := g.TryConsume(ctx, jti, time.Minute)
		if err != nil || !first {
			t.Fatalf("first consume = %v, %v; want true, nil", first, err)
		}
		for i := 0; i < 3; i++ {
			again, err := g.TryConsume(ctx, jti, time.Minute)
			if err != nil || again {
				t.Fatalf("repeat consume %d = %v, %v; want false, nil", i, again, err)
			}
		}
	})

	t.Run("independent ids", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			ok, err := g.TryConsume(ctx, NewJTI(t), time.Minute)
			if err != nil || !ok {
				t.Fatalf("fresh jti %d = %v, %v; want true, nil", i, ok, err)
			}
		}
	})

	t.Run("parallel", func(t *testing.T) {
		jti := NewJTI(t)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			wins    int
			losses  int
			errs    []error
			release = make(chan struct{})
		)
		for i := 0; i < Parallelism; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-release
				ok, err := g.TryConsume(ctx, jti, time.Minute)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					errs = append(errs, err)
				case ok:
					wins++
				default:
					losses++
				}
			}()
		}
		close(release)
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("unexpected backend errors: %v", errs)
		}
		if wins != 1 || losses != Parallelism-1 {
			t.Fatalf("wins=%d losses=%d; want 1 and %d", wins, losses, Parallelism-1)
		}
	})

	t.Run("empty jti", func(t *testing.T) {
		if ok, err := g.TryConsume(ctx, "", time.Minute); ok || err == nil {
			t.Fatalf("empty jti = %v, %v; want false and an error", ok, err)
		}
	})
}
