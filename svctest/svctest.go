// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package svctest provides test doubles for exercising a svc.Conn
// without a real transport: a controller that records pushes and a
// clock the test advances by hand.
package svctest

import (
	"sync"
	"time"

	"github.com/gopiped/svc"
)

// Pushed records a single call to a MockController's Push method. Its
// write-result callback is not invoked automatically: call CompleteWrite
// on the controller to simulate the transport reporting the write finished,
// exactly when the test wants the core to notice.
type Pushed struct {
	Response  any
	StartTime time.Time

	onResult func(error)
}

// MockController is a svc.Controller whose push acceptance, backpressure,
// and close behavior are all controlled directly by a test.
//
// The zero value is not usable; construct one with NewMockController,
// which accepts every push and never pauses until told otherwise. Use the
// methods below to exercise backpressure, a fatal push rejection, or a
// graceful close.
type MockController struct {
	mu sync.Mutex

	canPush  bool
	pushed   []Pushed
	paused   bool
	closed   bool
	rejected bool // next Push (and onwards) will return false

	notify chan struct{}
}

// notifyCapacity bounds how many pending Push notifications Notify can
// buffer before a send would block. It is sized well above anything a
// single test scenario pushes.
const notifyCapacity = 256

// NewMockController returns a MockController that accepts pushes until
// told otherwise.
func NewMockController() *MockController {
	return &MockController{canPush: true, notify: make(chan struct{}, notifyCapacity)}
}

// Notify returns a channel with one value sent per call to Push, in order,
// so a test can block until a push it triggered (possibly from another
// goroutine, e.g. an asynchronous handler completion) has actually
// happened, instead of polling or sleeping.
func (m *MockController) Notify() <-chan struct{} { return m.notify }

// CanPush implements part of svc.Controller.
func (m *MockController) CanPush() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canPush
}

// Push implements part of svc.Controller. It records the push and holds
// onResult for a later CompleteWrite, unless Reject has been called.
func (m *MockController) Push(response any, startTime time.Time, onResult func(error)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected {
		m.pushed = append(m.pushed, Pushed{Response: response, StartTime: startTime})
		m.notify <- struct{}{}
		return false
	}
	m.pushed = append(m.pushed, Pushed{Response: response, StartTime: startTime, onResult: onResult})
	m.notify <- struct{}{}
	return true
}

// CompleteWrite invokes the write-result callback recorded for the i'th
// push (0-based) with err, simulating the transport finishing that write.
// It panics if i is out of range or the callback has already fired.
func (m *MockController) CompleteWrite(i int, err error) {
	m.mu.Lock()
	cb := m.pushed[i].onResult
	m.pushed[i].onResult = nil
	m.mu.Unlock()
	if cb == nil {
		panic("svctest: CompleteWrite called twice, or push had no callback")
	}
	cb(err)
}

// PauseReads implements part of svc.Controller.
func (m *MockController) PauseReads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// CloseGracefully implements part of svc.Controller.
func (m *MockController) CloseGracefully() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// SetCanPush controls the value CanPush reports, to simulate backpressure.
func (m *MockController) SetCanPush(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canPush = ok
}

// Reject causes all subsequent pushes to report false, simulating the
// canPush/push race the core treats as a fatal protocol violation.
func (m *MockController) Reject() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = true
}

// Pushed returns a snapshot of every push recorded so far, in order.
func (m *MockController) Pushed() []Pushed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Pushed(nil), m.pushed...)
}

// Paused reports whether PauseReads has been called.
func (m *MockController) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Closed reports whether CloseGracefully has been called.
func (m *MockController) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// VirtualClock is a svc.Clock whose Now can be advanced by the test,
// for exercising timeout sweeps deterministically.
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock returns a VirtualClock starting at t.
func NewVirtualClock(t time.Time) *VirtualClock {
	return &VirtualClock{now: t}
}

// Now implements svc.Clock.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *VirtualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

var _ svc.Controller = (*MockController)(nil)
var _ svc.Clock = (*VirtualClock)(nil)
