//go:build !linux

package sandbox

// limitDataSegment is a no-op off Linux; the heap watchdog still applies.
func limitDataSegment(bytes uint64) error { return nil }
