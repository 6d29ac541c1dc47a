// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import "time"

// Controller is the per-connection transport capability a [Conn]
// delegates all I/O to. Implementations own the socket, the output
// buffer, and the read pump; the core never touches bytes directly.
//
// All methods are called from whichever goroutine is currently executing
// a Conn method. A Conn makes its Push calls one at a time, in response
// order, but CanPush, PauseReads and CloseGracefully may run on other
// goroutines at the same time as a Push, so implementations must be safe
// for concurrent use. The onResult callbacks passed to Push may be
// invoked from a different goroutine (e.g. a write-completion
// notification); they re-enter the Conn and are safe to call concurrently
// with Conn methods.
type Controller interface {
	// CanPush reports whether the output buffer is currently willing to
	// accept another pushed response.
	CanPush() bool

	// Push enqueues response for framing and transmission, tagged with
	// the time its request was admitted (for latency accounting at the
	// point of transmission, if a transport wants it). onResult is
	// invoked exactly once, later, with nil on a successful write or a
	// non-nil error if the write failed.
	//
	// Push returns false only to signal a fatal programming error: the
	// caller must have confirmed CanPush() beforehand, so a false return
	// here means the controller's contract was violated.
	Push(response any, startTime time.Time, onResult func(error)) bool

	// PauseReads stops delivering further requests on this connection.
	PauseReads()

	// CloseGracefully initiates an orderly close: flush pending writes,
	// then close the connection.
	CloseGracefully()
}
