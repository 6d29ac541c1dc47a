// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/catalog"
	"github.com/gopiped/svc/handler"
)

func TestAddIsDeterministic(t *testing.T) {
	c1 := catalog.New().Add("foo", "bar", "baz")
	c2 := catalog.New().Add("foo", "bar", "baz")
	if c1.Lookup("foo") != c2.Lookup("foo") || c1.Lookup("bar") != c2.Lookup("bar") {
		t.Error("repeated Add sequences assigned different IDs")
	}
	if c1.Lookup("foo") == 0 || c1.Lookup("bar") == 0 || c1.Lookup("baz") == 0 {
		t.Error("Add assigned a zero ID")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := catalog.New().Add("foo", "bar").Set("quux", 125)
	data := want.Encode()

	var got catalog.Catalog
	if err := got.Decode(data); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for _, name := range []string{"foo", "bar", "quux"} {
		if got.Lookup(name) != want.Lookup(name) {
			t.Errorf("Lookup(%q): got %d, want %d", name, got.Lookup(name), want.Lookup(name))
		}
	}
}

func TestHandlerReportsEncoding(t *testing.T) {
	cat := catalog.New().Add("foo", "bar")
	h := cat.Handler()
	ch := h.Process(context.Background(), &handler.Request{})
	res := <-ch
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	var got catalog.Catalog
	if err := got.Decode(res.Response.([]byte)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(cat.Encode(), got.Encode()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch(t *testing.T) {
	cat := catalog.New().Add("ping", "pong")
	var calls []string
	d := cat.Bind().
		Handle("ping", svc.HandlerFunc{
			Do: func(_ context.Context, req any) (any, error) {
				calls = append(calls, req.(*handler.Request).Method)
				return []byte("pong"), nil
			},
			OnFail: handler.DefaultFail,
		})

	ch := d.Process(context.Background(), &handler.Request{Method: "ping"})
	res := <-ch
	if res.Err != nil {
		t.Fatalf("Process(ping): %v", res.Err)
	}
	if string(res.Response.([]byte)) != "pong" {
		t.Errorf("Response: got %q, want %q", res.Response, "pong")
	}
	if len(calls) != 1 || calls[0] != "ping" {
		t.Errorf("calls: got %v, want [ping]", calls)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	cat := catalog.New().Add("ping")
	d := cat.Bind()

	ch := d.Process(context.Background(), &handler.Request{Method: "missing"})
	res := <-ch
	if res.Err == nil {
		t.Fatal("Process(missing): expected error, got nil")
	}
	if got := d.Fail(&handler.Request{Method: "missing"}, res.Err); got != res.Err.Error() {
		t.Errorf("Fail: got %v, want %v", got, res.Err.Error())
	}
}

func TestHandlePanicsOnUnknownName(t *testing.T) {
	mtest.MustPanic(t, func() {
		catalog.New().Bind().Handle("nope", svc.HandlerFunc{})
	})
}
