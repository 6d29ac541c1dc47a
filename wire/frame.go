// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the frame and payload formats used by the example
// server in cmd/svcd to carry requests and responses over a byte stream.
// The byte-level framing of a Frame onto a stream is owned by package
// channel; this package defines only the parsed forms. None of this is
// part of the service core; it exists to give the core something
// concrete to decode and encode end to end.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType identifies the structure of a Frame's payload.
type FrameType byte

const (
	// FrameRequest carries a Request payload.
	FrameRequest FrameType = 1
	// FrameResponse carries a Response payload.
	FrameResponse FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "REQUEST"
	case FrameResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Frame is the parsed form of a single wire frame: a type tag and an
// opaque payload whose structure the tag selects.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Request is the payload format for a request frame.
type Request struct {
	RequestID uint32
	Method    string
	Data      []byte
}

// Encode encodes r as a Frame payload.
func (r Request) Encode() []byte {
	mlen := len(r.Method)
	buf := make([]byte, 4+2+mlen+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	binary.BigEndian.PutUint16(buf[4:], uint16(mlen))
	copy(buf[6:], r.Method)
	copy(buf[6+mlen:], r.Data)
	return buf
}

// Decode decodes data into r.
func (r *Request) Decode(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	mlen := int(binary.BigEndian.Uint16(data[4:]))
	if 6+mlen > len(data) {
		return fmt.Errorf("truncated method name (%d bytes)", len(data))
	}
	r.Method = string(data[6 : 6+mlen])
	if rest := data[6+mlen:]; len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// Status describes the outcome carried by a Response.
type Status byte

const (
	// StatusOK reports a successful call.
	StatusOK Status = 0
	// StatusBufferFull reports the request was shed at admission.
	StatusBufferFull Status = 1
	// StatusTimeout reports the request timed out while pending.
	StatusTimeout Status = 2
	// StatusError reports a handler-reported failure.
	StatusError Status = 3
)

// Response is the payload format for a response frame.
type Response struct {
	RequestID uint32
	Status    Status
	Data      []byte
}

// Encode encodes r as a Frame payload.
func (r Response) Encode() []byte {
	buf := make([]byte, 5+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	buf[4] = byte(r.Status)
	copy(buf[5:], r.Data)
	return buf
}

// Decode decodes data into r.
func (r *Response) Decode(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.Status = Status(data[4])
	if rest := data[5:]; len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}
