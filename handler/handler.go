// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the svc.Handler type for functions
// with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/gopiped/svc"
)

// Request is the request value passed to svc.Conn.ProcessMessage for a
// handler built by this package: a method name, used by whatever dispatch
// the caller builds on top (e.g. catalog), plus the raw parameter bytes.
type Request struct {
	Method string
	Data   []byte
}

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*Request)
	}
	return nil
}

// DefaultFail renders err as its message string. It is the OnFail used by
// every adapter in this package, and never panics.
func DefaultFail(_ any, err error) any {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a svc.HandlerFunc.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) svc.HandlerFunc {
	return svc.HandlerFunc{
		Do: func(ctx context.Context, req any) (any, error) {
			r := req.(*Request)
			var p P
			if err := unmarshal(r.Data, &p); err != nil {
				return nil, err
			}
			hctx := context.WithValue(ctx, reqContextKey{}, r)
			out, err := f(hctx, p)
			if err != nil {
				return nil, err
			}
			return marshal(out)
		},
		OnFail: DefaultFail,
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a svc.HandlerFunc.
func ParamResult[P, R any](f func(context.Context, P) R) svc.HandlerFunc {
	return svc.HandlerFunc{
		Do: func(ctx context.Context, req any) (any, error) {
			r := req.(*Request)
			var p P
			if err := unmarshal(r.Data, &p); err != nil {
				return nil, err
			}
			hctx := context.WithValue(ctx, reqContextKey{}, r)
			return marshal(f(hctx, p))
		},
		OnFail: DefaultFail,
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a svc.HandlerFunc.
func ParamError[P any](f func(context.Context, P) error) svc.HandlerFunc {
	return svc.HandlerFunc{
		Do: func(ctx context.Context, req any) (any, error) {
			r := req.(*Request)
			var p P
			if err := unmarshal(r.Data, &p); err != nil {
				return nil, err
			}
			hctx := context.WithValue(ctx, reqContextKey{}, r)
			return nil, f(hctx, p)
		},
		OnFail: DefaultFail,
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a svc.HandlerFunc.
func ResultError[R any](f func(context.Context) (R, error)) svc.HandlerFunc {
	return svc.HandlerFunc{
		Do: func(ctx context.Context, req any) (any, error) {
			r := req.(*Request)
			hctx := context.WithValue(ctx, reqContextKey{}, r)
			out, err := f(hctx)
			if err != nil {
				return nil, err
			}
			return marshal(out)
		},
		OnFail: DefaultFail,
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface. If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
