// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/handler"
)

type point struct{ X, Y int }

func (p point) MarshalBinary() ([]byte, error) {
	return []byte(fmt.Sprintf("%d,%d", p.X, p.Y)), nil
}

func (p *point) UnmarshalBinary(data []byte) error {
	_, err := fmt.Sscanf(string(data), "%d,%d", &p.X, &p.Y)
	return err
}

func run(t *testing.T, h svc.HandlerFunc, req any) svc.Result {
	t.Helper()
	ch := h.Process(context.Background(), req)
	res, ok := <-ch
	if !ok {
		t.Fatal("Process channel closed with no value")
	}
	if _, stillOpen := <-ch; stillOpen {
		t.Error("Process channel produced a second value")
	}
	return res
}

func TestParamResultError(t *testing.T) {
	h := handler.ParamResultError(func(_ context.Context, p point) (point, error) {
		return point{X: p.X + 1, Y: p.Y + 1}, nil
	})

	req := &handler.Request{Method: "bump", Data: []byte("1,2")}
	res := run(t, h, req)
	if res.Err != nil {
		t.Fatalf("Process: unexpected error: %v", res.Err)
	}
	if got, want := string(res.Response.([]byte)), "2,3"; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}
}

func TestParamResultErrorFailure(t *testing.T) {
	wantErr := errors.New("bump failed")
	h := handler.ParamResultError(func(_ context.Context, p point) (point, error) {
		return point{}, wantErr
	})

	req := &handler.Request{Method: "bump", Data: []byte("1,2")}
	res := run(t, h, req)
	if !errors.Is(res.Err, wantErr) {
		t.Errorf("Process error: got %v, want %v", res.Err, wantErr)
	}
	if got := h.Fail(req, res.Err); got != wantErr.Error() {
		t.Errorf("Fail: got %v, want %v", got, wantErr.Error())
	}
}

func TestParamResult(t *testing.T) {
	h := handler.ParamResult(func(_ context.Context, s string) string {
		return "hello, " + s
	})
	req := &handler.Request{Data: []byte("world")}
	res := run(t, h, req)
	if res.Err != nil {
		t.Fatalf("Process: unexpected error: %v", res.Err)
	}
	if got, want := string(res.Response.([]byte)), "hello, world"; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}
}

func TestParamError(t *testing.T) {
	var gotArg string
	h := handler.ParamError(func(_ context.Context, s string) error {
		gotArg = s
		return nil
	})
	req := &handler.Request{Data: []byte("ping")}
	res := run(t, h, req)
	if res.Err != nil {
		t.Fatalf("Process: unexpected error: %v", res.Err)
	}
	if gotArg != "ping" {
		t.Errorf("arg: got %q, want %q", gotArg, "ping")
	}
}

func TestResultError(t *testing.T) {
	h := handler.ResultError(func(_ context.Context) (string, error) {
		return "pong", nil
	})
	res := run(t, h, &handler.Request{})
	if res.Err != nil {
		t.Fatalf("Process: unexpected error: %v", res.Err)
	}
	if got, want := string(res.Response.([]byte)), "pong"; got != want {
		t.Errorf("Response: got %q, want %q", got, want)
	}
}

func TestContextRequest(t *testing.T) {
	want := &handler.Request{Method: "whoami", Data: []byte("x")}
	h := handler.ParamError(func(ctx context.Context, _ string) error {
		got := handler.ContextRequest(ctx)
		if got != want {
			t.Errorf("ContextRequest: got %p, want %p", got, want)
		}
		return nil
	})
	run(t, h, want)
}

func TestDefaultFail(t *testing.T) {
	if got := handler.DefaultFail(nil, nil); got != "" {
		t.Errorf("DefaultFail(nil): got %q, want empty", got)
	}
	err := errors.New("boom")
	if got := handler.DefaultFail(nil, err); got != err.Error() {
		t.Errorf("DefaultFail: got %q, want %q", got, err.Error())
	}
}
