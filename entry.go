// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import "time"

type entryState int

const (
	awaiting entryState = iota
	ready
)

// Entry is a per-request in-flight record held in the pending queue while
// its response is unresolved or not yet drained. Entries appear in the
// pending queue in strict arrival order and are only ever removed from
// the head.
type Entry struct {
	// Request is the decoded inbound value this entry is responding to.
	Request any

	// CreatedAt is the monotonic time (per the connection's Clock) at
	// which the request was admitted.
	CreatedAt time.Time

	state    entryState
	response any
	tags     []string
}

func newEntry(req any, at time.Time) *Entry {
	return &Entry{Request: req, CreatedAt: at, state: awaiting}
}

// isReady reports whether the entry's response is available to drain.
func (e *Entry) isReady() bool { return e.state == ready }

// resolve transitions e from Awaiting to Ready. It is idempotent: a
// second call is a silent no-op, satisfying the at-most-once completion
// requirement when a timed-out or already-drained entry's handler future
// later fires.
func (e *Entry) resolve(response any, tags []string) bool {
	if e.state == ready {
		return false
	}
	e.state = ready
	e.response = response
	e.tags = tags
	return true
}
