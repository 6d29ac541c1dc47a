// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

// GracefulDisconnect begins the drain protocol for this connection:
// reads are paused through the controller, so that no further requests
// arrive, and entries already in the pending queue continue to progress.
// ProcessMessage itself does not refuse requests in this state. The
// connection transitions to Closed, and the controller's CloseGracefully
// is invoked, only once the pending queue empties — checked from drain
// and completion callbacks, never from here, so that calling this from
// within the handler for the request currently being admitted cannot
// prematurely abort that request's response.
//
// Calling GracefulDisconnect more than once is equivalent to calling it
// once.
func (c *Conn) GracefulDisconnect() {
	c.mu.Lock()
	if c.disconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.disconnecting = true
	c.mu.Unlock()

	c.ctrl.PauseReads()
}

// ShutdownRequest is an alias for [Conn.GracefulDisconnect].
func (c *Conn) ShutdownRequest() { c.GracefulDisconnect() }

// ConnectionClosed finalizes the connection abruptly: it is the
// counterpart to a transport-detected failure or peer hangup, as opposed
// to the orderly drain triggered by GracefulDisconnect. It emits the requests_per_connection histogram observation, decrements
// concurrent_requests by the size of whatever remains in the pending
// queue, and discards those entries without pushing them. It does not
// itself invoke the controller's close operation, since the controller is
// typically the one reporting the failure that caused cause to be
// non-nil.
//
// ConnectionClosed is idempotent; a second call is a no-op.
func (c *Conn) ConnectionClosed(cause error) { c.closeInternal(cause, false) }

// ConnectionLost is an alias for [Conn.ConnectionClosed].
func (c *Conn) ConnectionLost(cause error) { c.ConnectionClosed(cause) }

// finishGracefulClose is invoked by drain once a draining connection's
// pending queue has emptied. Unlike ConnectionClosed, it also tells the
// controller to close, since the core itself decided the connection is
// done.
func (c *Conn) finishGracefulClose() { c.closeInternal(nil, true) }

func (c *Conn) closeInternal(cause error, invokeClose bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	n := c.numRequests
	remaining := len(c.pending)
	c.pending = nil
	c.mu.Unlock()

	if remaining > 0 {
		c.m.incConcurrent(-int64(remaining))
	}
	c.m.recordRequestsPerConnection(n)
	if cause != nil {
		c.logFatal("connection closed", cause)
	}
	if invokeClose {
		c.ctrl.CloseGracefully()
	}
}

// Stats summarizes a connection at close, for callers (e.g. a connection
// pool) that want a final tally without scraping the Metrics facade.
type Stats struct {
	NumRequests   uint64
	Disconnecting bool
}

// ConnStats reports the connection's current counters. It is safe to call
// at any point in the connection's lifecycle, including after close.
func (c *Conn) ConnStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{NumRequests: c.numRequests, Disconnecting: c.disconnecting}
}
