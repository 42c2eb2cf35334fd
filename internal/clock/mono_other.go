//go:build !unix

package clock

// monotonicNow reports no host-wide monotonic source. Tickets fall back to
// wall-clock expiry on these platforms.
func monotonicNow() (int64, bool) { return 0, false }
