package beatsync

import "time"

// Clock supplies the current time. Decision points (throttling, staleness,
// "is this today") query it synchronously; tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return ClockFunc(time.Now)
}

// Connectivity reports whether the device currently has network access.
// Queried synchronously at decision points, not consumed as a stream.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to the Connectivity interface.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Online() bool { return f() }

// AlwaysOnline returns a Connectivity that always reports online. It is the
// default when no provider is configured.
func AlwaysOnline() Connectivity {
	return ConnectivityFunc(func() bool { return true })
}

// today formats the clock's current date in DateLayout.
func today(clock Clock) string {
	return clock.Now().Format(DateLayout)
}
