// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package echo provides a handful of trivial svc.Handler implementations
// used by cmd/svcd to demonstrate the service core end to end: echoing a
// request's payload back, upper-casing it, and reporting server time.
// None of this is part of the service core itself.
package echo

import (
	"context"
	"strings"
	"time"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/handler"
)

// Handler returns a svc.HandlerFunc that echoes the request payload back
// unchanged.
func Handler() svc.HandlerFunc {
	return handler.ParamResult(func(_ context.Context, data []byte) []byte {
		return data
	})
}

// UpperHandler returns a svc.HandlerFunc that upper-cases the request
// payload, treated as UTF-8 text.
func UpperHandler() svc.HandlerFunc {
	return handler.ParamResult(func(_ context.Context, data []byte) []byte {
		return []byte(strings.ToUpper(string(data)))
	})
}

// TimeHandler returns a svc.HandlerFunc that ignores its input and reports
// the server's current time in RFC 3339 format.
func TimeHandler() svc.HandlerFunc {
	return handler.ResultError(func(_ context.Context) (string, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	})
}
