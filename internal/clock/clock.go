// Package clock abstracts wall and monotonic time so ticket expiry can be
// tested deterministically. Production code injects Real(); tests inject
// Fake().
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"time"
)

// Clock reports wall time and a monotonic reading.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Monotonic returns nanoseconds on a clock that never steps
	// backwards. ok is false when no such source is available, in which
	// case callers must fall back to wall time.
	Monotonic() (ns int64, ok bool)

	// BootID names the monotonic timeline. Two readings are comparable
	// only when their BootIDs are equal.
	BootID() string
}

// Real returns the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Monotonic() (int64, bool) { return monotonicNow() }

func (realClock) BootID() string { return hostBootID() }

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// hostBootID is the kernel boot id when the host exposes one. Otherwise it
// is a random id for this process, which narrows the monotonic timeline to
// a single process.
var hostBootID = sync.OnceValue(func() string {
	if raw, err := os.ReadFile(bootIDPath); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "pid-unknown"
	}
	return "proc-" + hex.EncodeToString(buf)
})
