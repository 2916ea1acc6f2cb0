package tracker

import "time"

// Clock returns the current time and schedules callbacks. Production code
// uses the wall clock; tests advance a virtual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable handle for a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
