package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually driven Clock. Advance moves both readings
// together; SetWall moves only the wall clock, which is how tests model a
// wall-clock rollback.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	mono    int64
	hasMono bool
	boot    string
}

// Fake returns a FakeClock starting at initial with a monotonic reading of
// one second.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial, mono: int64(time.Second), hasMono: true, boot: "fake-boot"}
}

// FakeWallOnly returns a FakeClock without a monotonic source.
func FakeWallOnly(initial time.Time) *FakeClock {
	return &FakeClock{now: initial, boot: "fake-boot"}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Monotonic() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono, c.hasMono
}

// Advance moves wall and monotonic time forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.mono += int64(d)
}

// SetWall replaces the wall-clock reading without touching the monotonic one.
func (c *FakeClock) SetWall(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// SetMonotonic replaces the monotonic reading, e.g. to model a host reboot.
func (c *FakeClock) SetMonotonic(ns int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mono = ns
}

func (c *FakeClock) BootID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boot
}

// SetBootID replaces the boot id, e.g. to model a second host.
func (c *FakeClock) SetBootID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boot = id
}
