// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import (
	"context"
	"sync"
	"time"
)

// Conn is the pipelined request/response core for a single connection. A
// zero Conn is not usable; construct one with [NewConn].
//
// All exported methods are safe to call from multiple goroutines: a
// single mutex serializes the bookkeeping that the original cooperative,
// single-threaded design left unsynchronized, since in this rewrite
// completion callbacks, idle ticks, and controller write-result
// notifications may each arrive from a different goroutine.
//
// The mutex alone is not enough to keep Controller.Push calls in arrival
// order, since Push itself runs outside the lock: two entries resolving
// on different goroutines could each pop their own head-of-queue entry
// under the lock but then race to call Push in either order. runDrain is
// therefore single-flight — drain only ever has one active runner per
// connection — so the order Push is called in is exactly the order
// entries are popped in.
type Conn struct {
	cfg  Config
	h    Handler
	ctrl Controller
	clk  Clock
	m    *Metrics

	mu sync.Mutex

	pending       []*Entry
	numRequests   uint64
	disconnecting bool
	drainPaused   bool
	closed        bool
	fatalErr      error

	draining bool // a goroutine is currently running runDrain
	redrain  bool // another goroutine asked for a re-pass while draining
}

// NewConn constructs a connection core bound to ctrl and driven by h. clk
// may be nil, in which case [SystemClock] is used. m may be nil, in which
// case a private, unpublished [Metrics] is created so the connection
// still has somewhere to record activity.
func NewConn(cfg Config, h Handler, ctrl Controller, clk Clock, m *Metrics) *Conn {
	if cfg.RequestBufferSize < 1 {
		cfg.RequestBufferSize = 1
	}
	if clk == nil {
		clk = SystemClock{}
	}
	if m == nil {
		m = NewMetrics(cfg.Name)
	}
	return &Conn{cfg: cfg, h: h, ctrl: ctrl, clk: clk, m: m}
}

// ProcessMessage admits a single decoded request: it increments the
// request count, checks for buffer overflow, dispatches to the handler
// (or synthesizes an overflow failure), and either pushes the response
// directly (fast path) or appends a pending entry and arms a completion
// callback.
func (c *Conn) ProcessMessage(req any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.numRequests++
	now := c.clk.Now()
	overflow := len(c.pending) >= c.cfg.RequestBufferSize
	c.mu.Unlock()

	var res Result
	var ch <-chan Result
	haveImmediate := false
	if overflow {
		res = Result{Err: ErrBufferFull}
		haveImmediate = true
	} else {
		ch = callProcess(context.Background(), c.h, req)
		if r, ok := probe(ch); ok {
			res = r
			haveImmediate = true
		}
	}

	c.mu.Lock()
	// !c.draining matters here: a runDrain in flight may already have
	// popped its last entry and unlocked to call Push, making pending
	// look empty a moment before that Push actually lands. Deferring to
	// the queued path in that window (rather than racing our own Push
	// against the in-flight one) is what keeps fast-path pushes from
	// jumping ahead of an older response still on its way out.
	fastPath := haveImmediate && res.Err == nil && len(c.pending) == 0 && !c.draining && c.ctrl.CanPush()
	if fastPath {
		c.draining = true
		c.mu.Unlock()
		c.pushFast(res.Response, now, c.decorate(req, res.Response))
		return
	}

	entry := newEntry(req, now)
	var class string
	if haveImmediate {
		response, cls := c.resolveLocked(req, res)
		entry.resolve(response, c.decorate(req, response))
		class = cls
	}
	c.pending = append(c.pending, entry)
	c.m.incConcurrent(1)
	c.mu.Unlock()

	if class != "" {
		c.reportFailure(req, class, res.Err)
	}
	if !haveImmediate {
		go c.awaitCompletion(entry, ch)
	}

	c.checkFatal()
	c.drain()
}

// awaitCompletion blocks on ch (armed for an entry that did not complete
// synchronously) and resolves the entry when a result arrives. It is
// resilient to the entry having already been resolved (by a timeout) or
// the connection having already closed: both make it a no-op, so a late
// completion can never emit a second response for the same request.
func (c *Conn) awaitCompletion(entry *Entry, ch <-chan Result) {
	res, ok := <-ch
	if !ok {
		res = Result{Err: &HandlerError{Cause: errNoResult}}
	}

	c.mu.Lock()
	if c.closed || entry.state != awaiting {
		c.mu.Unlock()
		return
	}
	response, class := c.resolveLocked(entry.Request, res)
	entry.resolve(response, c.decorate(entry.Request, response))
	req := entry.Request
	c.mu.Unlock()

	if class != "" {
		c.reportFailure(req, class, res.Err)
	}
	c.checkFatal()
	c.drain()
}

// resolveLocked converts a Result into a final response value, funneling
// any error through Handler.Fail. Must be called with c.mu held.
func (c *Conn) resolveLocked(req any, res Result) (response any, class string) {
	if res.Err == nil {
		return res.Response, ""
	}
	class = errorClass(res.Err)
	return c.safeFailLocked(req, res.Err), class
}

// safeFailLocked calls Handler.Fail, guarding against the contract
// violation of Fail itself panicking. A violation is treated as
// connection fatal. Must be called with c.mu held.
func (c *Conn) safeFailLocked(req any, err error) (resp any) {
	defer func() {
		if r := recover(); r != nil && c.fatalErr == nil {
			c.fatalErr = fromPanic(r)
		}
	}()
	return c.h.Fail(req, err)
}

func (c *Conn) decorate(req, response any) []string {
	if c.cfg.TagDecorator == nil {
		return nil
	}
	return c.cfg.TagDecorator(req, response)
}

func (c *Conn) reportFailure(req any, class string, err error) {
	c.m.recordError(class)
	c.logError(req, class, err)
}

// pushFast implements the fast path: a synchronously successful
// response pushed directly with no pending entry allocated.
// The caller has already claimed drain ownership (c.draining) under the
// same lock that validated the fast-path conditions, so this Push cannot
// race a concurrent runDrain's Push; pushFast hands ownership off to
// runDrain afterward if anything asked to drain while it ran.
func (c *Conn) pushFast(response any, startTime time.Time, tags []string) {
	if c.cfg.RequestMetrics {
		c.m.recordRequest(millisSince(c.clk, startTime), tags)
	}
	ok := c.ctrl.Push(response, startTime, c.onWriteResult)

	c.mu.Lock()
	var handOff bool
	if !ok {
		if c.fatalErr == nil {
			c.fatalErr = ErrFatalPush
		}
		c.draining = false
		c.redrain = false
	} else {
		handOff = !c.endDrainLocked()
	}
	c.mu.Unlock()

	if handOff {
		c.runDrain()
	}
	c.checkFatal()
}

// drain moves Ready entries from the head of the pending queue to the
// controller: head-only emission, greedy drain, and backpressure. Only
// one goroutine at a time ever runs the drain loop (runDrain); a
// concurrent call just flags that the loop should make another pass
// before giving up ownership, so Push order matches pop order even when
// multiple entries resolve on different goroutines at once.
func (c *Conn) drain() {
	c.mu.Lock()
	if c.draining {
		c.redrain = true
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.runDrain()
}

// endDrainLocked is called with c.mu held, at a point where runDrain has
// found nothing left to do. If another goroutine called drain while this
// one was running, it consumes that request and reports false so the
// caller loops again instead of giving up ownership of the drain loop;
// otherwise it releases ownership and reports true.
func (c *Conn) endDrainLocked() bool {
	if c.redrain {
		c.redrain = false
		return false
	}
	c.draining = false
	return true
}

func (c *Conn) runDrain() {
	for {
		c.mu.Lock()
		if c.closed {
			c.draining = false
			c.redrain = false
			c.mu.Unlock()
			return
		}
		if len(c.pending) == 0 {
			wasDisconnecting := c.disconnecting
			if !c.endDrainLocked() {
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			if wasDisconnecting {
				c.finishGracefulClose()
			}
			return
		}
		head := c.pending[0]
		if !head.isReady() || c.drainPaused {
			if !c.endDrainLocked() {
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			return
		}
		if !c.ctrl.CanPush() {
			c.drainPaused = true
			if !c.endDrainLocked() {
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			return
		}

		c.pending = c.pending[1:]
		c.m.incConcurrent(-1)
		response, createdAt, tags := head.response, head.CreatedAt, head.tags
		c.mu.Unlock()

		if c.cfg.RequestMetrics {
			c.m.recordRequest(millisSince(c.clk, createdAt), tags)
		}

		ok := c.ctrl.Push(response, createdAt, c.onWriteResult)
		if !ok {
			c.mu.Lock()
			if c.fatalErr == nil {
				c.fatalErr = ErrFatalPush
			}
			c.draining = false
			c.redrain = false
			c.mu.Unlock()
			c.checkFatal()
			return
		}
	}
}

// onWriteResult is the Controller's write-completion callback. A failed
// write is counted as a dropped reply and logged; the response is not
// re-queued (at-most-once delivery). Either way the buffer slot is
// considered free, so draining resumes.
func (c *Conn) onWriteResult(err error) {
	if err != nil {
		c.m.recordError(errorClass(ErrDroppedReply))
		c.logFatal("dropped reply", err)
	}
	c.mu.Lock()
	c.drainPaused = false
	c.mu.Unlock()
	c.drain()
}

// checkFatal terminates the connection if a fatal condition (a
// controller or handler contract violation) has been recorded.
func (c *Conn) checkFatal() {
	c.mu.Lock()
	err := c.fatalErr
	c.mu.Unlock()
	if err != nil {
		c.closeInternal(err, true)
	}
}
