// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svcconn

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/gopiped/svc/channel"
)

// An Accepter produces channels for newly-connected peers, e.g. a wrapped
// net.Listener.
type Accepter interface {
	Accept(context.Context) (channel.Channel, error)
}

// Loop accepts channels from acc and starts a Conn for each one in a
// goroutine, calling newConn to build it. Loop continues until acc's Accept
// reports net.ErrClosed or ctx ends.
//
// When ctx ends, all running connections are asked to close gracefully and
// Loop waits for them to exit before returning. When acc closes, Loop waits
// for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, idlePeriod time.Duration, newConn func(channel.Channel) *Conn) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			conn := newConn(ch)
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			conn.Start(sctx, idlePeriod)
			go func() { <-sctx.Done(); conn.CloseGracefully() }()
			return conn.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface, framing
// accepted connections with the length-prefixed wire format.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{lst: lst}
}

type netAccepter struct {
	lst net.Listener
}

// acceptRetryDelay is the initial pause after a transient accept failure
// (e.g. the process is out of file descriptors). The delay doubles on
// each consecutive failure, up to acceptRetryMax.
const (
	acceptRetryDelay = 5 * time.Millisecond
	acceptRetryMax   = time.Second
)

func (n netAccepter) Accept(ctx context.Context) (channel.Channel, error) {
	// net.Listener has no context-aware accept; cancellation is delivered
	// by closing the listener, which fails the pending Accept with
	// net.ErrClosed.
	stop := context.AfterFunc(ctx, func() { n.lst.Close() })
	defer stop()

	delay := acceptRetryDelay
	for {
		conn, err := n.lst.Accept()
		if err == nil {
			return channel.Frames(conn), nil
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return nil, err
		}

		// Transient failure: pause and retry rather than killing the
		// accept loop, unless the context ends first.
		select {
		case <-ctx.Done():
			return nil, net.ErrClosed
		case <-time.After(delay):
		}
		if delay *= 2; delay > acceptRetryMax {
			delay = acceptRetryMax
		}
	}
}
