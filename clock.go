// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import "time"

// A Clock is a monotonic time source, injected so tests can control the
// passage of time without sleeping a real goroutine.
type Clock interface {
	// Now reports the current time. Implementations need only guarantee
	// monotonic, not wall-clock, correctness.
	Now() time.Time
}

// SystemClock is a [Clock] backed by [time.Now].
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }
