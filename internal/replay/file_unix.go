//go:build unix

package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const markerSuffix = ".used"

// FileGuard keeps one marker file per consumed jti. An exclusive flock on
// a shared lock file guards the read-check-write, so it is safe across
// processes that share the directory on a local filesystem.
type FileGuard struct {
	dir string
	now func() time.Time
}

func NewFileGuard(dir string) (*FileGuard, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileGuard{dir: dir, now: time.Now}, nil
}

func (g *FileGuard) TryConsume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, ErrEmptyJTI
	}
	unlock, err := g.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	now := g.now()
	path := g.markerPath(jti)
	expiry, err := readExpiry(path)
	switch {
	case err == nil && now.Before(expiry):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	data := strconv.FormatInt(now.Add(NormalizeTTL(ttl)).UnixNano(), 10)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	return true, nil
}

func (g *FileGuard) Purge(_ context.Context, now time.Time) (int, error) {
	unlock, err := g.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerSuffix) {
			continue
		}
		path := filepath.Join(g.dir, e.Name())
		expiry, err := readExpiry(path)
		if err != nil || now.Before(expiry) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (g *FileGuard) lock() (func(), error) {
	// #nosec G304 -- dir is operator-configured.
	f, err := os.OpenFile(filepath.Join(g.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// markerPath hashes the jti so caller-controlled bytes never reach the
// filesystem.
func (g *FileGuard) markerPath(jti string) string {
	sum := sha256.Sum256([]byte(jti))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+markerSuffix)
}

func readExpiry(path string) (time.Time, error) {
	// #nosec G304 -- path is derived from a hash inside the replay dir.
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt replay marker %s: %w", filepath.Base(path), err)
	}
	return time.Unix(0, ns), nil
}
