// Package clock implements the monotonic nanosecond timestamp source for the tracer.
//
// Every event carries a 64-bit timestamp relative to a process-local epoch.
// The epoch is captured once when the Clock is constructed; the process-wide
// recorder constructs its clock during package initialization, so stamps count
// from program start.
//
// Readings come from the runtime's monotonic clock (time.Since on a time.Time that
// carries a monotonic reading), so wall-clock adjustments (NTP steps, manual
// date changes) never move stamps backwards.
//
// Performance:
//   - Now: ~20ns (vDSO clock_gettime on linux/amd64)
//   - Zero allocations, no shared writes
package clock

import "time"

// Clock produces monotonic nanosecond stamps since its epoch.
//
// Thread Safety: Immutable after New, safe for concurrent use.
type Clock struct {
	epoch time.Time
}

// New creates a Clock whose epoch is the current instant.
func New() *Clock {
	return &Clock{epoch: time.Now()}
}

// Now returns nanoseconds elapsed since the epoch.
//
// The returned value never decreases within a process.
func (c *Clock) Now() uint64 {
	//nolint:gosec // G115: time.Since of a past monotonic epoch is never negative.
	return uint64(time.Since(c.epoch))
}

// Epoch returns the wall-clock instant the clock counts from.
//
// The returned time still carries its monotonic reading; use Epoch().UnixNano()
// for a wall-clock value.
func (c *Clock) Epoch() time.Time {
	return c.epoch
}
