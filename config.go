// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the immutable per-connection configuration for a [Conn].
// All fields are set at construction and must not be mutated thereafter.
type Config struct {
	// Name is the identifier for this service. It is attached to the
	// connection's log lines, and NewConn uses it to name the Metrics it
	// creates when none is supplied; a supplied Metrics keeps its own name.
	Name string

	// RequestTimeout bounds how long an admitted request may stay
	// Awaiting, measured from its admission, before it is failed with
	// [ErrTimeout]. Only the head of the pending queue is checked, and
	// only when IdleCheck runs. Zero or negative disables the timeout.
	RequestTimeout time.Duration

	// RequestBufferSize is the maximum number of concurrently in-flight
	// requests this connection admits before shedding with
	// [ErrBufferFull]. Must be at least 1.
	RequestBufferSize int

	// LogErrors, if true, causes every handler/timeout/overflow failure
	// to be logged at error severity via Logger, including a rendering of
	// the offending request.
	LogErrors bool

	// RequestLogFormat renders a request for the error log. If nil, a
	// default "%+v" rendering is used. A panicking formatter is recovered
	// and suppressed; it never prevents the error itself from being
	// logged.
	RequestLogFormat func(request any) string

	// RequestMetrics, when false, suppresses the per-request "requests"
	// and "latency" metrics (errors and concurrent_requests are always
	// recorded).
	RequestMetrics bool

	// TagDecorator computes tags from a completed request/response pair.
	// Each time a response is pushed with RequestMetrics set, every tag
	// is counted once in the "request_tags" counter map; the "latency"
	// histogram is not broken down by tag. May be nil.
	TagDecorator func(request, response any) []string

	// Logger receives error log lines when LogErrors is set. If nil,
	// logging is disabled regardless of LogErrors.
	Logger *zap.Logger
}

func (c Config) timeoutEnabled() bool { return c.RequestTimeout > 0 }

func (c Config) formatRequest(req any) (s string) {
	defer func() {
		if recover() != nil {
			s = "<request formatting panicked>"
		}
	}()
	if c.RequestLogFormat != nil {
		return c.RequestLogFormat(req)
	}
	return fmt.Sprintf("%+v", req)
}
