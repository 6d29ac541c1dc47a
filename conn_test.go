// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/gopiped/svc"
	"github.com/gopiped/svc/svctest"
)

// scriptedHandler lets a test arm a channel for a named request and
// decide independently when (and whether synchronously) it completes.
type scriptedHandler struct {
	mu    sync.Mutex
	chans map[string]chan svc.Result
}

func newScriptedHandler() *scriptedHandler {
	return &scriptedHandler{chans: make(map[string]chan svc.Result)}
}

// arm registers a fresh result channel for name and returns it so the test
// can complete the request later (or immediately, before ProcessMessage
// is even called, to exercise the synchronous fast path).
func (h *scriptedHandler) arm(name string) chan svc.Result {
	ch := make(chan svc.Result, 1)
	h.mu.Lock()
	h.chans[name] = ch
	h.mu.Unlock()
	return ch
}

func (h *scriptedHandler) Process(_ context.Context, req any) <-chan svc.Result {
	name := req.(string)
	h.mu.Lock()
	ch := h.chans[name]
	h.mu.Unlock()
	if ch == nil {
		panic("scriptedHandler: no channel armed for " + name)
	}
	return ch
}

func (h *scriptedHandler) Fail(req any, err error) any {
	return req.(string) + ":" + err.Error()
}

func complete(ch chan svc.Result, resp any, err error) {
	ch <- svc.Result{Response: resp, Err: err}
	close(ch)
}

func waitN(t *testing.T, ctrl *svctest.MockController, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ctrl.Notify():
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for push %d of %d", i+1, n)
		}
	}
}

func responses(pushed []svctest.Pushed) []any {
	out := make([]any, len(pushed))
	for i, p := range pushed {
		out[i] = p.Response
	}
	return out
}

func TestOrderedOutOfOrderCompletion(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, nil)

	r1, r2, r3 := h.arm("R1"), h.arm("R2"), h.arm("R3")
	conn.ProcessMessage("R1")
	conn.ProcessMessage("R2")
	conn.ProcessMessage("R3")

	complete(r3, "resp-R3", nil)
	complete(r1, "resp-R1", nil)
	complete(r2, "resp-R2", nil)

	waitN(t, ctrl, 3)
	got := responses(ctrl.Pushed())
	want := []any{"resp-R1", "resp-R2", "resp-R3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("push order mismatch (-want +got):\n%s", diff)
	}
}

func TestBackpressurePauseResume(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, nil)

	r1 := h.arm("R1")
	complete(r1, "resp-R1", nil) // already complete before admission: fast path
	conn.ProcessMessage("R1")
	waitN(t, ctrl, 1)

	ctrl.SetCanPush(false)

	r2 := h.arm("R2")
	complete(r2, "resp-R2", nil)
	conn.ProcessMessage("R2")

	select {
	case <-ctrl.Notify():
		t.Fatal("R2 was pushed while canPush was false")
	case <-time.After(50 * time.Millisecond):
	}
	if got := len(ctrl.Pushed()); got != 1 {
		t.Fatalf("Pushed: got %d entries, want 1", got)
	}

	ctrl.SetCanPush(true)
	ctrl.CompleteWrite(0, nil)
	waitN(t, ctrl, 1)

	got := responses(ctrl.Pushed())
	want := []any{"resp-R1", "resp-R2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("push order mismatch (-want +got):\n%s", diff)
	}
}

func TestTimeoutAtHead(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	clk := svctest.NewVirtualClock(time.Unix(0, 0))
	conn := svc.NewConn(svc.Config{
		Name:              "t",
		RequestBufferSize: 8,
		RequestTimeout:    100 * time.Millisecond,
	}, h, ctrl, clk, nil)

	r1 := h.arm("R1") // never completes
	conn.ProcessMessage("R1")

	clk.Advance(50 * time.Millisecond)
	r2 := h.arm("R2")
	conn.ProcessMessage("R2")

	clk.Advance(100 * time.Millisecond) // now t=150ms, R1 is 150ms old
	conn.IdleCheck(10 * time.Millisecond)
	waitN(t, ctrl, 1)

	clk.Advance(50 * time.Millisecond) // now t=200ms
	complete(r2, "resp-R2", nil)
	waitN(t, ctrl, 1)

	got := ctrl.Pushed()
	if len(got) != 2 {
		t.Fatalf("Pushed: got %d entries, want 2", len(got))
	}
	if resp, ok := got[0].Response.(string); !ok || resp != "R1:request timed out" {
		t.Errorf("Pushed[0]: got %v, want a timeout failure for R1", got[0].Response)
	}
	if got[1].Response != "resp-R2" {
		t.Errorf("Pushed[1]: got %v, want resp-R2", got[1].Response)
	}
	close(r1)
}

func TestOverflow(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 2}, h, ctrl, nil, nil)

	r1, r2 := h.arm("R1"), h.arm("R2")
	conn.ProcessMessage("R1")
	conn.ProcessMessage("R2")
	conn.ProcessMessage("R3") // overflow: buffer already holds 2 awaiting entries

	select {
	case <-ctrl.Notify():
		t.Fatal("a push happened before R1/R2 resolved")
	case <-time.After(50 * time.Millisecond):
	}

	complete(r1, "resp-R1", nil)
	complete(r2, "resp-R2", nil)
	waitN(t, ctrl, 3)

	got := responses(ctrl.Pushed())
	if got[0] != "resp-R1" || got[1] != "resp-R2" {
		t.Fatalf("Pushed[0:2]: got %v, want [resp-R1 resp-R2]", got[:2])
	}
	if resp, ok := got[2].(string); !ok || resp != "R3:request buffer full" {
		t.Errorf("Pushed[2]: got %v, want a buffer-full failure for R3", got[2])
	}
}

func TestGracefulDrain(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, nil)

	r1 := h.arm("R1")
	conn.ProcessMessage("R1")

	conn.GracefulDisconnect()
	if !ctrl.Paused() {
		t.Fatal("GracefulDisconnect did not pause reads")
	}
	if ctrl.Closed() {
		t.Fatal("GracefulDisconnect closed the controller synchronously")
	}

	complete(r1, "resp-R1", nil)
	waitN(t, ctrl, 1)

	deadline := time.After(2 * time.Second)
	for !ctrl.Closed() {
		select {
		case <-deadline:
			t.Fatal("controller was never closed after the queue drained")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestGracefulDisconnectIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, nil)

	conn.GracefulDisconnect()
	conn.GracefulDisconnect()
	conn.GracefulDisconnect()
	if !ctrl.Paused() {
		t.Fatal("expected reads to be paused")
	}
}

func TestLateCompletionAfterClose(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, nil)

	r1 := h.arm("R1")
	conn.ProcessMessage("R1")

	conn.ConnectionClosed(errors.New("connection reset"))

	complete(r1, "resp-R1", nil)
	// Give the awaitCompletion goroutine a moment to observe the closed
	// connection; it must not push or panic.
	time.Sleep(20 * time.Millisecond)

	if got := len(ctrl.Pushed()); got != 0 {
		t.Fatalf("Pushed: got %d entries, want 0 after close", got)
	}
}

// panicHandler panics from Process itself, exercising the rule that a
// synchronous panic is converted into a failure response rather than
// escaping to the caller.
type panicHandler struct{}

func (panicHandler) Process(context.Context, any) <-chan svc.Result { panic("boom") }
func (panicHandler) Fail(req any, err error) any {
	return req.(string) + ":" + err.Error()
}

func TestHandlerPanicBecomesFailureResponse(t *testing.T) {
	defer leaktest.Check(t)()

	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, panicHandler{}, ctrl, nil, nil)

	conn.ProcessMessage("R1")
	waitN(t, ctrl, 1)

	got := responses(ctrl.Pushed())
	want := []any{"R1:handler error: boom"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("push mismatch (-want +got):\n%s", diff)
	}
}

func TestFatalPushClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, nil)

	ctrl.Reject() // CanPush stays true, but Push reports false

	r1 := h.arm("R1")
	complete(r1, "resp-R1", nil)
	conn.ProcessMessage("R1")
	waitN(t, ctrl, 1)

	if !ctrl.Closed() {
		t.Error("a rejected push did not terminate the connection")
	}

	r2 := h.arm("R2")
	complete(r2, "resp-R2", nil)
	conn.ProcessMessage("R2") // no-op after close

	if got := len(ctrl.Pushed()); got != 1 {
		t.Errorf("Pushed: got %d entries, want 1 after fatal close", got)
	}
}

func TestDroppedReplyIsNotRequeued(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	m := svc.NewMetrics("t")
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, nil, m)

	r1 := h.arm("R1")
	complete(r1, "resp-R1", nil)
	conn.ProcessMessage("R1")
	waitN(t, ctrl, 1)

	ctrl.CompleteWrite(0, errors.New("broken pipe"))

	if got := len(ctrl.Pushed()); got != 1 {
		t.Errorf("Pushed: got %d entries, want 1 (no re-push of a dropped reply)", got)
	}
	errs := m.Map().Get("errors")
	if errs == nil || !strings.Contains(errs.String(), "DroppedReply") {
		t.Errorf("errors: got %v, want a DroppedReply entry", errs)
	}
}

func TestIdleCheckNoOpWithoutTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	h := newScriptedHandler()
	ctrl := svctest.NewMockController()
	clk := svctest.NewVirtualClock(time.Unix(0, 0))
	conn := svc.NewConn(svc.Config{Name: "t", RequestBufferSize: 8}, h, ctrl, clk, nil) // RequestTimeout is zero: infinite

	r1 := h.arm("R1")
	conn.ProcessMessage("R1")

	clk.Advance(10 * time.Hour)
	conn.IdleCheck(time.Second)

	select {
	case <-ctrl.Notify():
		t.Fatal("IdleCheck synthesized a timeout despite an infinite RequestTimeout")
	case <-time.After(20 * time.Millisecond):
	}
	close(r1)
}
