// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel moves wire frames between the two endpoints of a
// connection. It owns the byte-level framing: each frame is written as a
// fixed 8-byte header (a 2-byte magic, a version byte, a type byte, and
// a big-endian uint32 payload length) followed by the payload bytes.
//
// Pipe provides a connected in-memory pair for tests; Frames adapts any
// io.ReadWriteCloser, such as a net.Conn, to the Channel interface.
package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gopiped/svc/wire"
)

// MaxPayload bounds the payload size Frames will encode or decode. An
// inbound frame claiming a larger payload is rejected before any of the
// payload is read, so a corrupt or hostile length prefix cannot force a
// large allocation.
const MaxPayload = 1 << 24

// A Channel is a reliable ordered stream of frames shared by two
// endpoints. Implementations must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame to the receiver.
	Send(*wire.Frame) error

	// Recv the next available frame from the channel.
	Recv() (*wire.Frame, error)

	// Close the channel, causing any pending send or receive operation to
	// terminate and report an error. After a channel is closed, all
	// further operations on it must report an error.
	Close() error
}

// Pipe constructs a connected pair of in-memory channels that hand
// frames across directly, without encoding. Frames sent to A are
// received by B and vice versa. The pipe is a single shared resource:
// closing either end shuts down both directions, and any Send or Recv
// blocked on the other side unblocks with [net.ErrClosed].
func Pipe() (A, B Channel) {
	s := &pipeState{done: make(chan struct{})}
	ab := make(chan *wire.Frame)
	ba := make(chan *wire.Frame)
	return &pipeEnd{state: s, out: ab, in: ba}, &pipeEnd{state: s, out: ba, in: ab}
}

// pipeState is the close signal shared by both ends of a pipe.
type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	state *pipeState
	out   chan *wire.Frame
	in    chan *wire.Frame
}

// Send implements a method of the [Channel] interface.
func (p *pipeEnd) Send(f *wire.Frame) error {
	select {
	case <-p.state.done:
		return net.ErrClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.state.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [Channel] interface.
func (p *pipeEnd) Recv() (*wire.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.state.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [Channel] interface. Close is
// idempotent and closes both ends of the pipe.
func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

const headerLen = 8

// Frames constructs a channel that encodes frames onto rwc and decodes
// frames from it, with buffered reads and writes. Closing the channel
// closes rwc.
func Frames(rwc io.ReadWriteCloser) Channel {
	return &frameStream{
		r: bufio.NewReader(rwc),
		w: bufio.NewWriter(rwc),
		c: rwc,
	}
}

type frameStream struct {
	mu sync.Mutex // serializes senders
	w  *bufio.Writer
	r  *bufio.Reader
	c  io.Closer
}

// Send implements a method of the [Channel] interface. It is safe for
// concurrent use by multiple senders; each frame is written and flushed
// atomically with respect to other senders.
func (s *frameStream) Send(f *wire.Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("payload size %d exceeds limit %d", len(f.Payload), MaxPayload)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var hdr [headerLen]byte
	hdr[0], hdr[1] = 'P', 'S'
	hdr[2] = 0 // protocol version
	hdr[3] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(f.Payload)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(f.Payload); err != nil {
		return err
	}
	return s.w.Flush()
}

// Recv implements a method of the [Channel] interface. At most one
// goroutine may call Recv at a time. A clean end of stream between
// frames is reported as [io.EOF]; a stream that ends mid-frame reports
// a wrapped [io.ErrUnexpectedEOF].
func (s *frameStream) Recv() (*wire.Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err // clean EOF or a transport error, unchanged
	}
	if hdr[0] != 'P' || hdr[1] != 'S' {
		return nil, fmt.Errorf("bad frame magic %q", hdr[:2])
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if n > MaxPayload {
		return nil, fmt.Errorf("payload size %d exceeds limit %d", n, MaxPayload)
	}
	f := &wire.Frame{Type: wire.FrameType(hdr[3])}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(s.r, f.Payload); err != nil {
			return nil, fmt.Errorf("truncated frame payload: %w", err)
		}
	}
	return f, nil
}

// Close implements a method of the [Channel] interface.
func (s *frameStream) Close() error { return s.c.Close() }
