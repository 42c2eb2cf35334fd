//go:build !unix

package replay

import (
	"context"
	"errors"
	"time"
)

var errFileGuardUnsupported = errors.New("file replay guard requires a unix platform")

type FileGuard struct{}

func NewFileGuard(string) (*FileGuard, error) { return nil, errFileGuardUnsupported }

func (g *FileGuard) TryConsume(context.Context, string, time.Duration) (bool, error) {
	return false, errFileGuardUnsupported
}

func (g *FileGuard) Purge(context.Context, time.Time) (int, error) {
	return 0, errFileGuardUnsupported
}
