// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic string names to method IDs
// for use with a svc.Conn, and a Dispatch that routes requests by name to the
// svc.Handler registered for that name. Requests carry the method name
// (handler.Request.Method) and the IDs stay local to the catalog, but a
// Catalog can be encoded by a method handler and sent from one connection to
// another in a request.
//
// # Usage
//
// Construct a new empty catalog and add methods to it:
//
//	cat := catalog.New().Add("foo", "bar", "baz")
//
// Add assigns method IDs to the specified names. To recover the assigned ID
// use the Lookup method:
//
//	id := cat.Lookup("foo")
//
// If you want to choose the ID, use Set:
//
//	cat.Set("quux", 125)
//
// Method IDs are assigned systematically, so that repeating the same sequence
// of Add and Set calls will always result in the same method IDs.
//
// To route requests by name, bind the catalog to a Dispatch and register
// handlers:
//
//	d := cat.Bind().
//	  Handle("foo", handleFoo).
//	  Handle("bar", handleBar)
//
// Note that Handle will panic if given a name not registered with the catalog.
// The resulting Dispatch is itself a svc.Handler, suitable for
// svc.NewConn's handler argument when requests carry a *handler.Request.
package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/handler"
)

// A Catalog is a static, sharable mapping from method names to IDs.
type Catalog struct {
	methods map[string]uint32
}

// New creates a new empty catalog to map names to method IDs. It is safe to
// copy the resulting value; all copies share a reference to the same name to
// ID mapping.
func New() Catalog { return Catalog{methods: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive IDs, and returns c to
// allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to methodID in c, and return c to allow chaining. If name was
// already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it. It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, methodID uint32) Catalog {
	c.methods[name] = methodID
	return c
}

func (c Catalog) pickUnusedID() uint32 {
	var max uint32
	for _, id := range c.methods {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Lookup returns the method ID assigned to name, or 0.
//
// Note that the caller may Set a method with ID 0, but assigned IDs will
// always be positive, so a return value of 0 means name was not assigned an
// ID even if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.methods[name] }

// Bind returns an empty Dispatch sharing c's name-to-ID mapping.
func (c Catalog) Bind() Dispatch { return Dispatch{cat: c, handlers: make(map[uint32]svc.Handler)} }

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods
// in lexicographic order, followed by the corresponding method IDs in the
// reverse order of the names.
//
// Each name is encoded as a big-endian uint16 length followed by that many
// bytes of the name. Each method ID is encoded as a big-endian uint32.
func (c Catalog) Encode() []byte {
	if len(c.methods) == 0 {
		return nil
	}
	var nlen int
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
		nlen += 2 + len(name) // +2 for length tag
	}
	sort.Strings(names)
	buf := make([]byte, nlen+4*len(c.methods))
	npos, mpos := 0, len(buf)
	putName := func(s string) {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(s)))
		npos += 2
		npos += copy(buf[npos:], s)
	}
	putMethod := func(id uint32) {
		mpos -= 4
		binary.BigEndian.PutUint32(buf[mpos:], id)
	}

	for _, name := range names {
		putName(name)
		putMethod(c.methods[name])
	}
	return buf
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	if c.methods == nil {
		c.methods = make(map[string]uint32)
	} else {
		clear(c.methods)
	}
	npos, mpos := 0, len(data)
	for {
		if npos+2 > len(data) || npos > mpos {
			return fmt.Errorf("truncated catalog at offset %d", npos)
		} else if npos == mpos {
			break
		}

		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return fmt.Errorf("truncated name at offset %d", npos)
		}

		mpos -= 4
		if mpos < npos+nlen {
			return fmt.Errorf("truncated ID at offset %d", mpos)
		}
		id := binary.BigEndian.Uint32(data[mpos:])

		c.methods[string(data[npos:npos+nlen])] = id
		npos += nlen
	}
	return nil
}

// Handler is a svc.HandlerFunc that reports the encoded contents of the
// catalog, for a method that lets a peer discover the name-to-ID mapping in
// use.
func (c Catalog) Handler() svc.HandlerFunc {
	return svc.HandlerFunc{
		Do: func(_ context.Context, _ any) (any, error) {
			return c.Encode(), nil
		},
		OnFail: handler.DefaultFail,
	}
}

// A Dispatch routes requests by method name to the svc.Handler registered
// for that name, using the ID assigned by its bound Catalog. A Dispatch is
// itself a svc.Handler.
type Dispatch struct {
	cat      Catalog
	handlers map[uint32]svc.Handler
}

// Handle registers h for name, and returns d to permit chaining.
// Handle panics if name is not a method name known by d's catalog.
func (d Dispatch) Handle(name string, h svc.Handler) Dispatch {
	id, ok := d.cat.methods[name]
	if !ok {
		panic(fmt.Sprintf("method %q not known", name))
	}
	d.handlers[id] = h
	return d
}

// Process implements part of svc.Handler. req must be a *handler.Request;
// its Method field selects the registered handler by name.
func (d Dispatch) Process(ctx context.Context, req any) <-chan svc.Result {
	r, ok := req.(*handler.Request)
	if !ok {
		return immediate(svc.Result{Err: fmt.Errorf("catalog: request has type %T, not *handler.Request", req)})
	}
	h, ok := d.handlers[d.cat.Lookup(r.Method)]
	if !ok {
		return immediate(svc.Result{Err: fmt.Errorf("catalog: unknown method %q", r.Method)})
	}
	return h.Process(ctx, req)
}

// Fail implements part of svc.Handler, deferring to the registered
// handler's Fail if one is bound for the request's method, and to
// handler.DefaultFail otherwise.
func (d Dispatch) Fail(req any, err error) any {
	if r, ok := req.(*handler.Request); ok {
		if h, ok := d.handlers[d.cat.Lookup(r.Method)]; ok {
			return h.Fail(req, err)
		}
	}
	return handler.DefaultFail(req, err)
}

func immediate(res svc.Result) <-chan svc.Result {
	ch := make(chan svc.Result, 1)
	ch <- res
	close(ch)
	return ch
}
