package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"notifrelay/internal/model"
	"notifrelay/internal/queue"
	"notifrelay/internal/registry"
	rtsup "notifrelay/internal/runtime/supervisor"
	"notifrelay/internal/storage"
	"notifrelay/internal/transport"
)

type pipeConn struct {
	frames chan transport.Frame
	err    atomic.Value // error
	sends  atomic.Int32
}

func newPipe() *pipeConn { return &pipeConn{frames: make(chan transport.Frame, 16)} }

func (c *pipeConn) Send(ctx context.Context, f transport.Frame) error {
	c.sends.Add(1)
	if err, ok := c.err.Load().(error); ok && err != nil {
		return err
	}
	select {
	case c.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error       { return nil }
func (c *pipeConn) RemoteAddr() string { return "pipe" }

func (c *pipeConn) next(t *testing.T) transport.Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered")
		return transport.Frame{}
	}
}

type harness struct {
	q   *queue.Manager
	reg *registry.Registry
	d   *Dispatcher
	ack *AckTracker
}

func newHarness(t *testing.T, cfg Config, qcfg queue.Config) *harness {
	t.Helper()
	if qcfg.Backoff.Base == 0 {
		qcfg.Backoff = queue.Backoff{Base: 20 * time.Millisecond, Factor: 2, Max: 100 * time.Millisecond}
	}
	sup := rtsup.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	q := queue.New(qcfg, queue.Options{Store: storage.NewMemory()})
	reg := registry.New(registry.Config{}, registry.Options{})
	return &harness{
		q:   q,
		reg: reg,
		d:   New(cfg, q, reg, sup, Options{}),
		ack: NewAckTracker(q, Options{}),
	}
}

func event(title string, p model.Priority) model.NotificationEvent {
	return model.NotificationEvent{
		ID:                model.NewID(),
		SourceApplication: "app",
		Title:             title,
		Priority:          p,
		CreatedAt:         time.Now(),
		Seq:               model.NextSeq(),
	}
}

func (h *harness) enqueue(t *testing.T, target, title string) queue.Item {
	t.Helper()
	it, err := h.q.Enqueue(context.Background(), target, event(title, model.PriorityNormal))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return it
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOfflineTargetAccruesNoAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AckTimeout: time.Second}, queue.Config{})
	it := h.enqueue(t, "phone", "hello")
	h.d.Ensure("phone")

	time.Sleep(100 * time.Millisecond)
	got, _ := h.q.Item(it.ID)
	if got.State != queue.StatePending || got.Attempt != 0 {
		t.Fatalf("offline item = %+v", got)
	}

	c := newPipe()
	if _, err := h.reg.Register("phone", c, true); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f := c.next(t)
	if f.Type != transport.FrameEvent || f.ItemID != it.ID || f.Attempt != 1 || f.Event == nil || f.Event.Title != "hello" {
		t.Fatalf("frame = %+v", f)
	}
	if err := h.ack.OnAckReceived(context.Background(), "phone", it.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	waitFor(t, "acked", func() bool {
		got, _ := h.q.Item(it.ID)
		return got.State == queue.StateAcknowledged
	})
}

func TestUnauthenticatedConnectionGetsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, queue.Config{})
	h.enqueue(t, "phone", "x")
	c := newPipe()
	rec, _ := h.reg.Register("phone", c, false)
	h.d.Ensure("phone")
	time.Sleep(50 * time.Millisecond)
	if c.sends.Load() != 0 {
		t.Fatalf("sent before auth")
	}
	h.reg.SetAuthenticated("phone", rec.ConnID, true)
	c.next(t)
}

func TestDisconnectAndTimeoutCountOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AckTimeout: 40 * time.Millisecond}, queue.Config{
		MaxAttempts: 5,
		Backoff:     queue.Backoff{Base: 80 * time.Millisecond, Factor: 2, Max: time.Second},
	})
	it := h.enqueue(t, "phone", "x")
	c := newPipe()
	h.reg.Register("phone", c, true)
	h.d.Ensure("phone")
	c.next(t)
	waitFor(t, "waiting-ack", func() bool {
		s, _ := h.d.State("phone")
		return s == StateWaitingAck
	})

	// Disconnect right around the ack deadline; only one attempt may count.
	time.Sleep(35 * time.Millisecond)
	h.reg.Unregister("phone")
	time.Sleep(100 * time.Millisecond)

	got, _ := h.q.Item(it.ID)
	if got.Attempt != 1 || got.State != queue.StatePending {
		t.Fatalf("item = %+v", got)
	}
	// No connection: the item stays pending even after its backoff expires.
	time.Sleep(200 * time.Millisecond)
	if got, _ := h.q.Item(it.ID); got.Attempt != 1 {
		t.Fatalf("attempt grew while offline: %+v", got)
	}
}

func TestAckTimeoutRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AckTimeout: 10 * time.Millisecond}, queue.Config{MaxAttempts: 3})
	it := h.enqueue(t, "phone", "x")
	c := newPipe()
	h.reg.Register("phone", c, true)
	h.d.Ensure("phone")

	for want := 1; want <= 3; want++ {
		if f := c.next(t); f.Attempt != want {
			t.Fatalf("attempt %d, want %d", f.Attempt, want)
		}
	}
	waitFor(t, "dead letter", func() bool {
		got, _ := h.q.Item(it.ID)
		return got.State == queue.StateDead
	})
	if err := h.ack.OnAckReceived(context.Background(), "phone", it.ID); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("late ack err = %v", err)
	}
}

func TestSendFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, queue.Config{MaxAttempts: 10})
	it := h.enqueue(t, "phone", "x")
	c := newPipe()
	c.err.Store(errors.New("broken pipe"))
	h.reg.Register("phone", c, true)
	h.d.Ensure("phone")

	waitFor(t, "retry", func() bool {
		got, _ := h.q.Item(it.ID)
		return got.Attempt >= 1
	})
	got, _ := h.q.Item(it.ID)
	if got.LastError == "" {
		t.Fatalf("last error not recorded: %+v", got)
	}
	c.err.Store(error(nil))
	f := c.next(t)
	if f.ItemID != it.ID {
		t.Fatalf("redelivered %s", f.ItemID)
	}
}

func TestSingleItemInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AckTimeout: time.Second}, queue.Config{})
	a := h.enqueue(t, "phone", "a")
	h.enqueue(t, "phone", "b")
	c := newPipe()
	h.reg.Register("phone", c, true)
	h.d.Ensure("phone")
	h.d.Ensure("phone")

	if f := c.next(t); f.ItemID != a.ID {
		t.Fatalf("first frame %s", f.ItemID)
	}
	time.Sleep(50 * time.Millisecond)
	if n := c.sends.Load(); n != 1 {
		t.Fatalf("sends before ack = %d", n)
	}
	if st, _ := h.q.Stats("phone"); st.Inflight != 1 {
		t.Fatalf("inflight = %d", st.Inflight)
	}
	if err := h.ack.OnAckReceived(context.Background(), "phone", a.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if f := c.next(t); f.Event == nil || f.Event.Title != "b" {
		t.Fatalf("second frame %+v", f)
	}
}

func TestAckValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AckTimeout: time.Second}, queue.Config{})
	it := h.enqueue(t, "phone", "x")
	ctx := context.Background()

	if err := h.ack.OnAckReceived(ctx, "phone", it.ID); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("ack of pending item: %v", err)
	}
	if err := h.ack.OnAckReceived(ctx, "phone", "nope"); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("ack of unknown item: %v", err)
	}

	c := newPipe()
	h.reg.Register("phone", c, true)
	h.d.Ensure("phone")
	c.next(t)
	if err := h.ack.OnAckReceived(ctx, "tablet", it.ID); !errors.Is(err, ErrStaleAck) {
		t.Fatalf("cross-target ack: %v", err)
	}
	if err := h.ack.OnAckReceived(ctx, "phone", it.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := h.ack.OnAckReceived(ctx, "phone", it.ID); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
	if h.ack.Ignored() != 3 {
		t.Fatalf("ignored = %d", h.ack.Ignored())
	}
}

func TestRemoveStopsWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, queue.Config{})
	h.d.Ensure("phone")
	if _, ok := h.d.State("phone"); !ok {
		t.Fatalf("worker missing")
	}
	if !h.d.Remove("phone") || h.d.Remove("phone") {
		t.Fatalf("Remove")
	}
	if _, ok := h.d.State("phone"); ok {
		t.Fatalf("worker still listed")
	}
	if err := h.d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
