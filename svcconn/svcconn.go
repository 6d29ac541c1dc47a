// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package svcconn wires a svc.Conn core to a byte-stream channel: it
// owns the read loop that admits requests, the write loop that emits
// responses, and the idle sweep that expires them, and it implements
// svc.Controller so the core can drive it.
package svcconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/channel"
	"github.com/gopiped/svc/handler"
	"github.com/gopiped/svc/wire"
)

// outQueueDepth bounds the number of responses buffered for the write
// loop. CanPush reports false once this many are outstanding, which is
// how backpressure actually applies to a real socket.
const outQueueDepth = 64

// A Conn binds a svc.Conn core to a channel.Channel. The zero value is not
// usable; construct one with New.
type Conn struct {
	ch    channel.Channel
	core  *svc.Conn
	out   chan outJob
	tasks *taskgroup.Group

	mu     sync.Mutex
	reqIDs []uint32 // FIFO of admitted request IDs awaiting a pushed response

	paused   atomic.Bool
	closeErr error
	closeOne sync.Once
	done     chan struct{}
}

type outJob struct {
	reqID    uint32
	status   wire.Status
	data     []byte
	onResult func(error)
}

// statusHandler wraps the caller's handler so that failure responses
// carry the wire status matching their error class, without the core
// itself knowing anything about the wire format. Successful responses
// pass through untouched.
type statusHandler struct {
	svc.Handler
}

func (s statusHandler) Fail(req any, err error) any {
	return &statusReply{Status: statusFor(err), Value: s.Handler.Fail(req, err)}
}

type statusReply struct {
	Status wire.Status
	Value  any
}

func statusFor(err error) wire.Status {
	switch {
	case errors.Is(err, svc.ErrBufferFull):
		return wire.StatusBufferFull
	case errors.Is(err, svc.ErrTimeout):
		return wire.StatusTimeout
	default:
		return wire.StatusError
	}
}

// New constructs a Conn that drives cfg's handler h over ch. clk and m may
// be nil to accept the defaults from svc.NewConn.
func New(ch channel.Channel, h svc.Handler, cfg svc.Config, clk svc.Clock, m *svc.Metrics) *Conn {
	c := &Conn{
		ch:   ch,
		out:  make(chan outJob, outQueueDepth),
		done: make(chan struct{}),
	}
	c.core = svc.NewConn(cfg, statusHandler{h}, c, clk, m)
	return c
}

// Core returns the svc.Conn this Conn drives, for stats and idle checks
// outside the loops Start manages.
func (c *Conn) Core() *svc.Conn { return c.core }

// CanPush implements part of svc.Controller.
func (c *Conn) CanPush() bool { return len(c.out) < cap(c.out) }

// Push implements part of svc.Controller. It correlates response with the
// oldest admitted request awaiting a reply: the core guarantees pushes
// happen in the same order requests were admitted, so a simple FIFO of
// request IDs recovers the pairing without threading the ID through
// Entry.Response.
func (c *Conn) Push(response any, _ time.Time, onResult func(error)) bool {
	c.mu.Lock()
	if len(c.reqIDs) == 0 {
		c.mu.Unlock()
		return false
	}
	id := c.reqIDs[0]
	c.reqIDs = c.reqIDs[1:]
	c.mu.Unlock()

	status := wire.StatusOK
	if sr, ok := response.(*statusReply); ok {
		status = sr.Status
		response = sr.Value
	}
	data, err := encodeResponse(response)
	if err != nil {
		data = []byte(err.Error())
	}
	select {
	case c.out <- outJob{reqID: id, status: status, data: data, onResult: onResult}:
		return true
	default:
		return false
	}
}

// PauseReads implements part of svc.Controller.
func (c *Conn) PauseReads() { c.paused.Store(true) }

// CloseGracefully implements part of svc.Controller. The write loop
// flushes any responses still queued before closing the channel.
func (c *Conn) CloseGracefully() {
	c.closeOne.Do(func() { close(c.done) })
}

// shutdown tears the connection down without flushing: the channel is
// closed immediately, releasing both loops.
func (c *Conn) shutdown(err error) {
	c.closeOne.Do(func() {
		c.closeErr = err
		close(c.done)
	})
	c.ch.Close()
}

// Start runs the read loop, write loop, and (if idlePeriod > 0) an idle
// sweep on a taskgroup, and returns c to permit chaining with Wait.
// Start does not block.
func (c *Conn) Start(ctx context.Context, idlePeriod time.Duration) *Conn {
	g := taskgroup.New(nil)
	g.Go(c.writeLoop)
	g.Go(c.readLoop)
	if idlePeriod > 0 {
		g.Go(func() error { return c.idleLoop(ctx, idlePeriod) })
	}
	c.tasks = g
	return c
}

// Wait blocks until all of c's service loops have exited.
func (c *Conn) Wait() error {
	if c.tasks != nil {
		c.tasks.Wait()
	}
	return c.closeErr
}

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.done:
			// Flush whatever is still queued, then close the channel.
			for {
				select {
				case job := <-c.out:
					if c.sendResponse(job) != nil {
						return nil
					}
				default:
					c.ch.Close()
					return nil
				}
			}
		case job := <-c.out:
			if c.sendResponse(job) != nil {
				return nil
			}
		}
	}
}

func (c *Conn) sendResponse(job outJob) error {
	f := &wire.Frame{
		Type: wire.FrameResponse,
		Payload: wire.Response{
			RequestID: job.reqID,
			Status:    job.status,
			Data:      job.data,
		}.Encode(),
	}
	err := c.ch.Send(f)
	if job.onResult != nil {
		job.onResult(err)
	}
	if err != nil {
		c.shutdown(err)
	}
	return err
}

func (c *Conn) readLoop() error {
	for {
		f, err := c.ch.Recv()
		if err != nil {
			if treatErrorAsSuccess(err) {
				err = nil
			}
			c.core.ConnectionClosed(err)
			c.shutdown(err)
			return nil
		}
		if f.Type != wire.FrameRequest {
			continue
		}
		var req wire.Request
		if err := req.Decode(f.Payload); err != nil {
			c.core.ConnectionClosed(err)
			c.shutdown(err)
			return err
		}

		c.mu.Lock()
		c.reqIDs = append(c.reqIDs, req.RequestID)
		c.mu.Unlock()

		c.core.ProcessMessage(&handler.Request{Method: req.Method, Data: req.Data})

		if c.paused.Load() {
			return nil
		}
	}
}

func (c *Conn) idleLoop(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-t.C:
			c.core.IdleCheck(period)
		}
	}
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// encodeResponse renders a handler response value to bytes for the wire.
// As in package handler's marshal, []byte and string pass through; unlike
// marshal, nil becomes an empty payload and every other value is rendered
// with fmt's %v, so it never reports an error.
func encodeResponse(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return []byte(fmt.Sprintf("%v", t)), nil
	}
}
