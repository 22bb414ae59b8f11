package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifrelay/internal/transport"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Send(context.Context, transport.Frame) error { return nil }
func (c *fakeConn) Close() error                                { c.closed.Store(true); return nil }
func (c *fakeConn) RemoteAddr() string                          { return "pipe" }

type events struct {
	mu  sync.Mutex
	got []Reason
}

func (e *events) observe(_ string, _ uint64, r Reason) {
	e.mu.Lock()
	e.got = append(e.got, r)
	e.mu.Unlock()
}

func (e *events) list() []Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Reason(nil), e.got...)
}

func TestNewerRegistrationEvictsOlder(t *testing.T) {
	t.Parallel()
	r := New(Config{}, Options{})
	var ev events
	r.Observe(ev.observe)

	c1, c2 := &fakeConn{}, &fakeConn{}
	rec1, err := r.Register("phone", c1, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := r.Watch("phone")
	rec2, _ := r.Register("phone", c2, true)
	if rec2.ConnID == rec1.ConnID {
		t.Fatalf("conn ids must differ")
	}
	if !c1.closed.Load() || c2.closed.Load() {
		t.Fatalf("old handle must be closed, new kept open")
	}
	select {
	case <-w:
	default:
		t.Fatalf("watch not fired on replacement")
	}
	cur, ok := r.Current("phone")
	if !ok || cur.ConnID != rec2.ConnID {
		t.Fatalf("Current = %+v %v", cur, ok)
	}
	if got := ev.list(); len(got) != 1 || got[0] != ReasonReplaced {
		t.Fatalf("observer got %v", got)
	}

	// A late disconnect from the replaced socket must not remove the new one.
	if r.UnregisterConn("phone", rec1.ConnID, ReasonUnregistered) {
		t.Fatalf("stale UnregisterConn succeeded")
	}
	if !r.IsConnected("phone") {
		t.Fatalf("new connection lost")
	}
	if !r.Unregister("phone") || r.IsConnected("phone") {
		t.Fatalf("Unregister failed")
	}
}

func TestUnauthenticatedIsNotConnected(t *testing.T) {
	t.Parallel()
	r := New(Config{}, Options{})
	rec, _ := r.Register("tablet", &fakeConn{}, false)
	if r.IsConnected("tablet") {
		t.Fatalf("unauthenticated record counted as connected")
	}
	w := r.Watch("tablet")
	if !r.SetAuthenticated("tablet", rec.ConnID, true) {
		t.Fatalf("SetAuthenticated failed")
	}
	<-w
	if !r.IsConnected("tablet") {
		t.Fatalf("authenticated record not connected")
	}
}

func TestSweepExpiresSilentConnections(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	r := New(Config{HeartbeatTimeout: time.Minute}, Options{Now: clock})
	var ev events
	r.Observe(ev.observe)
	quiet, chatty := &fakeConn{}, &fakeConn{}
	_, _ = r.Register("quiet", quiet, true)
	_, _ = r.Register("chatty", chatty, true)

	advance(40 * time.Second)
	r.RecordHeartbeat("chatty")
	advance(30 * time.Second)

	gone := r.Sweep(clock())
	if len(gone) != 1 || gone[0] != "quiet" {
		t.Fatalf("Sweep = %v", gone)
	}
	if !quiet.closed.Load() || chatty.closed.Load() {
		t.Fatalf("wrong handle closed")
	}
	if got := ev.list(); len(got) != 1 || got[0] != ReasonHeartbeatTimeout {
		t.Fatalf("observer got %v", got)
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("Snapshot = %+v", r.Snapshot())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := New(Config{HeartbeatTimeout: time.Millisecond, SweepInterval: time.Millisecond}, Options{})
	c := &fakeConn{}
	_, _ = r.Register("x", c, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.IsConnected("x") {
		select {
		case <-deadline:
			t.Fatalf("sweeper never expired the connection")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run = %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := New(Config{}, Options{})
	if _, err := r.Register("", &fakeConn{}, true); err != ErrEmptyTarget {
		t.Fatalf("empty target = %v", err)
	}
	if _, err := r.Register("a", nil, true); err != ErrNilHandle {
		t.Fatalf("nil handle = %v", err)
	}
	r.RemoveTarget("never-seen")
}
