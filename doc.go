// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package svc implements the per-connection pipelined request/response
// core of a protocol server.
//
// A [Conn] accepts a stream of decoded requests, dispatches each to a
// user-supplied [Handler] that may complete synchronously or
// asynchronously, and emits encoded responses through a [Controller] in
// the exact order the requests arrived, regardless of the order in which
// handler results become available.
//
// # Connections
//
// Construct a new connection core with [NewConn], supplying a [Config], a
// [Handler], a [Controller] bound to the transport, and a [Clock]:
//
//	c := svc.NewConn(cfg, handler, ctrl, svc.SystemClock{}, metrics)
//
// Feed it decoded requests as they arrive:
//
//	c.ProcessMessage(req)
//
// Drive the idle sweep periodically so stale requests at the head of the
// queue are timed out:
//
//	c.IdleCheck(idlePeriod)
//
// # Ordering
//
// Responses are pushed to the [Controller] strictly in the order their
// requests were admitted. A response that becomes available while an
// earlier request on the same connection is still pending is held until
// that earlier request resolves.
//
// # Graceful shutdown
//
// Call [Conn.GracefulDisconnect] (or its alias [Conn.ShutdownRequest]) to
// pause reads through the controller and let in-flight work drain; the
// connection closes itself, via the controller, once the pending queue
// empties. Call [Conn.ConnectionClosed] to tear down a connection
// abruptly (transport error, peer hangup); outstanding entries are
// discarded without being pushed.
//
// # Metrics
//
// A [Conn] reports activity through a [Metrics] facade: request counts and
// latency per response, errors tagged by class, a live gauge of
// concurrently in-flight requests, and a per-connection histogram
// observation recorded once at close.
package svc
