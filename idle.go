// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import "time"

// IdleCheck expires timed-out entries at the head of the pending queue.
// Only the head is ever inspected: once it is not timed out, later
// entries cannot be either, since they were admitted no earlier. Completing the head transitions it to Ready and triggers a
// drain, so adjacent timed-out entries all drain in a single pass.
//
// period is accepted for parity with the controller's polling contract;
// the sweep itself does not schedule anything, it just inspects the
// current head relative to now.
func (c *Conn) IdleCheck(period time.Duration) {
	if !c.cfg.timeoutEnabled() {
		return
	}
	for {
		c.mu.Lock()
		if c.closed || len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		head := c.pending[0]
		if head.isReady() {
			c.mu.Unlock()
			return
		}
		if c.clk.Now().Sub(head.CreatedAt) <= c.cfg.RequestTimeout {
			c.mu.Unlock()
			return
		}

		req := head.Request
		response, class := c.resolveLocked(req, Result{Err: ErrTimeout})
		head.resolve(response, c.decorate(req, response))
		c.mu.Unlock()

		c.reportFailure(req, class, ErrTimeout)
		c.checkFatal()
		c.drain()
	}
}
