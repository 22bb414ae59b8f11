package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifrelay/internal/model"
	"notifrelay/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config, kv storage.KV) (*Manager, *clock) {
	t.Helper()
	clk := newClock()
	if kv == nil {
		kv = storage.NewMemory()
	}
	m := New(cfg, Options{Store: kv, Now: clk.Now, Rand: func() float64 { return 0.5 }})
	return m, clk
}

func ev(p model.Priority, at time.Time) model.NotificationEvent {
	return model.NotificationEvent{
		ID:                model.NewID(),
		SourceApplication: "app",
		Title:             p.String(),
		Priority:          p,
		CreatedAt:         at,
		Seq:               model.NextSeq(),
	}
}

func mustEnqueue(t *testing.T, m *Manager, target string, e model.NotificationEvent) Item {
	t.Helper()
	it, err := m.Enqueue(context.Background(), target, e)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return it
}

func mustDequeue(t *testing.T, m *Manager, target string) Lease {
	t.Helper()
	l, ok := m.DequeueNext(target)
	if !ok {
		t.Fatalf("DequeueNext(%s): nothing eligible", target)
	}
	return l
}

func TestPriorityOrder(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{}, nil)
	t0 := clk.Now()
	a := mustEnqueue(t, m, "T", ev(model.PriorityLow, t0))
	b := mustEnqueue(t, m, "T", ev(model.PriorityCritical, t0.Add(time.Second)))
	c := mustEnqueue(t, m, "T", ev(model.PriorityLow, t0.Add(2*time.Second)))
	d := mustEnqueue(t, m, "T", ev(model.PriorityHigh, t0.Add(3*time.Second)))

	want := []string{b.ID, d.ID, a.ID, c.ID}
	for i, id := range want {
		l := mustDequeue(t, m, "T")
		if l.Item.ID != id {
			t.Fatalf("dequeue %d = %s (%s), want %s", i, l.Item.ID, l.Item.Event.Title, id)
		}
		if l.Item.State != StateInflight {
			t.Fatalf("leased item state = %s", l.Item.State)
		}
	}
	if _, ok := m.DequeueNext("T"); ok {
		t.Fatalf("queue should be empty")
	}
	if _, ok := m.DequeueNext("unknown"); ok {
		t.Fatalf("unknown target must be empty")
	}
}

func TestAckIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, nil)
	ctx := context.Background()
	it := mustEnqueue(t, m, "T", ev(model.PriorityNormal, time.Now()))

	if err := m.Ack(ctx, it.ID); !errors.Is(err, ErrNotInflight) {
		t.Fatalf("ack of pending item = %v, want ErrNotInflight", err)
	}
	l := mustDequeue(t, m, "T")
	if err := m.Ack(ctx, it.ID); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	select {
	case <-l.Done():
	default:
		t.Fatalf("lease not released by ack")
	}
	first, _ := m.Stats("T")
	if err := m.Ack(ctx, it.ID); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	second, _ := m.Stats("T")
	if first != second {
		t.Fatalf("state changed on re-ack: %+v -> %+v", first, second)
	}
	if got, ok := m.Item(it.ID); !ok || got.State != StateAcknowledged {
		t.Fatalf("Item after ack = %+v %v", got, ok)
	}
	if err := m.Ack(ctx, "nope"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("ack unknown = %v", err)
	}
	if _, err := m.Fail(ctx, it.ID, "late"); !errors.Is(err, ErrNotInflight) {
		t.Fatalf("fail after ack = %v", err)
	}
}

func TestFailBackoffAndDeadAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{MaxAttempts: 3, Backoff: Backoff{Base: time.Second, Factor: 2, Max: time.Minute, Jitter: 0.2}}, nil)
	ctx := context.Background()
	it := mustEnqueue(t, m, "T", ev(model.PriorityNormal, clk.Now()))

	for attempt := 1; attempt <= 2; attempt++ {
		l := mustDequeue(t, m, "T")
		got, err := m.Fail(ctx, l.Item.ID, "send failed")
		if err != nil {
			t.Fatalf("Fail %d: %v", attempt, err)
		}
		if got.Attempt != attempt || got.State != StatePending {
			t.Fatalf("after fail %d: %+v", attempt, got)
		}
		if _, err := m.Fail(ctx, l.Item.ID, "again"); !errors.Is(err, ErrNotInflight) {
			t.Fatalf("double fail = %v", err)
		}
		if _, ok := m.DequeueNext("T"); ok {
			t.Fatalf("item eligible during backoff")
		}
		wake, ok := m.NextWake("T")
		wantDelay := time.Second << (attempt - 1)
		if !ok || !wake.Equal(clk.Now().Add(wantDelay)) {
			t.Fatalf("NextWake = %v %v, want now+%s", wake, ok, wantDelay)
		}
		clk.Advance(wantDelay)
	}

	l := mustDequeue(t, m, "T")
	dead, err := m.Fail(ctx, l.Item.ID, "final")
	var dle *DeadLetterError
	if !errors.As(err, &dle) || dle.Attempts != 3 {
		t.Fatalf("third fail = %v, want DeadLetterError after 3 attempts", err)
	}
	if dead.State != StateDead || dead.LastError != "final" || dead.DeadReason != ReasonExhausted {
		t.Fatalf("dead item = %+v", dead)
	}
	clk.Advance(time.Hour)
	if _, ok := m.DequeueNext("T"); ok {
		t.Fatalf("dead item dequeued again")
	}
	dl := m.DeadLetter("T", 10)
	if len(dl) != 1 || dl[0].ID != it.ID {
		t.Fatalf("DeadLetter = %+v", dl)
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: time.Second, Factor: 2, Max: 5 * time.Minute, Jitter: 0.2}
	for attempt := 1; attempt <= 20; attempt++ {
		nominal := time.Duration(float64(time.Second) * float64(uint64(1)<<min(attempt-1, 30)))
		if nominal > b.Max {
			nominal = b.Max
		}
		lo := time.Duration(float64(nominal) * 0.8)
		hi := min(time.Duration(float64(nominal)*1.2), b.Max)
		for _, r := range []float64{0, 0.25, 0.5, 0.999} {
			d := b.Delay(attempt, func() float64 { return r })
			if d < lo-time.Millisecond || d > hi {
				t.Fatalf("attempt %d r=%v: delay %s outside [%s,%s]", attempt, r, d, lo, hi)
			}
		}
	}
	if d := (Backoff{}).Delay(1, func() float64 { return 0.5 }); d != time.Second {
		t.Fatalf("default first delay = %s", d)
	}
}

func TestReloadAfterCrashRestoresEachItemOnce(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemory()
	m, clk := newTestManager(t, Config{}, kv)
	ctx := context.Background()

	pending := mustEnqueue(t, m, "T", ev(model.PriorityLow, clk.Now()))
	inflight := mustEnqueue(t, m, "T", ev(model.PriorityHigh, clk.Now()))
	acked := mustEnqueue(t, m, "U", ev(model.PriorityNormal, clk.Now()))
	retried := mustEnqueue(t, m, "U", ev(model.PriorityLow, clk.Now()))

	if l := mustDequeue(t, m, "T"); l.Item.ID != inflight.ID {
		t.Fatalf("expected high item first")
	}
	mustDequeue(t, m, "U")
	if err := m.Ack(ctx, acked.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	mustDequeue(t, m, "U")
	if _, err := m.Fail(ctx, retried.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// No shutdown: a second manager over the same store simulates restart.
	m2 := New(Config{}, Options{Store: kv, Now: clk.Now})
	rep, err := m2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rep.Pending != 3 || rep.Duplicates != 0 {
		t.Fatalf("LoadReport = %+v", rep)
	}
	seen := map[string]int{}
	for _, target := range []string{"T", "U"} {
		clk.Advance(time.Hour)
		for {
			l, ok := m2.DequeueNext(target)
			if !ok {
				break
			}
			seen[l.Item.ID]++
			if l.Item.ID == retried.ID && l.Item.Attempt != 1 {
				t.Fatalf("retry attempt lost: %d", l.Item.Attempt)
			}
		}
	}
	for _, id := range []string{pending.ID, inflight.ID, retried.ID} {
		if seen[id] != 1 {
			t.Fatalf("item %s restored %d times", id, seen[id])
		}
	}
	if seen[acked.ID] != 0 {
		t.Fatalf("acked item resurrected")
	}
}

func TestLoadPrefersDeadLetterOverQueueCopy(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemory()
	m, clk := newTestManager(t, Config{MaxAttempts: 1}, kv)
	ctx := context.Background()
	it := mustEnqueue(t, m, "T", ev(model.PriorityNormal, clk.Now()))
	mustDequeue(t, m, "T")
	if _, err := m.Fail(ctx, it.ID, "x"); !IsDeadLetter(err) {
		t.Fatalf("expected dead-letter, got %v", err)
	}
	// Re-create the queue record as if the crash hit between the two writes.
	raw, _, _ := kv.Get(ctx, deadKey("T", it.ID))
	if err := kv.Put(ctx, queueKey("T", it.ID), raw); err != nil {
		t.Fatalf("Put: %v", err)
	}

	m2 := New(Config{}, Options{Store: kv, Now: clk.Now})
	rep, err := m2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rep.Dead != 1 || rep.Pending != 0 || rep.Duplicates != 1 {
		t.Fatalf("LoadReport = %+v", rep)
	}
	if _, ok, _ := kv.Get(ctx, queueKey("T", it.ID)); ok {
		t.Fatalf("stale queue record not removed")
	}
}

func TestEvictionWhenFull(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{MaxDepth: 3}, nil)
	t0 := clk.Now()
	oldLow := mustEnqueue(t, m, "T", ev(model.PriorityLow, t0))
	newLow := mustEnqueue(t, m, "T", ev(model.PriorityLow, t0.Add(time.Second)))
	mustEnqueue(t, m, "T", ev(model.PriorityNormal, t0.Add(2*time.Second)))

	crit := mustEnqueue(t, m, "T", ev(model.PriorityCritical, t0.Add(3*time.Second)))
	if crit.State != StatePending {
		t.Fatalf("critical item not admitted")
	}
	if m.Depth("T") != 3 {
		t.Fatalf("Depth = %d", m.Depth("T"))
	}
	dl := m.DeadLetter("T", 0)
	if len(dl) != 1 || dl[0].ID != oldLow.ID || dl[0].DeadReason != ReasonEvicted {
		t.Fatalf("evicted = %+v, want oldest low item", dl)
	}

	mustEnqueue(t, m, "T", ev(model.PriorityNormal, t0.Add(4*time.Second)))
	if dl := m.DeadLetter("T", 1); len(dl) != 1 || dl[0].ID != newLow.ID {
		t.Fatalf("second eviction = %+v, want remaining low item", dl)
	}

	// Lower than everything pending: the newcomer itself is dead-lettered.
	it, err := m.Enqueue(context.Background(), "T", ev(model.PriorityLow, t0.Add(5*time.Second)))
	if !IsDeadLetter(err) || it.State != StateDead {
		t.Fatalf("low newcomer = %+v, %v", it, err)
	}
	if m.Depth("T") != 3 {
		t.Fatalf("Depth = %d", m.Depth("T"))
	}
}

func TestEvictionWhenEverythingInflight(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{MaxDepth: 1}, nil)
	mustEnqueue(t, m, "T", ev(model.PriorityLow, clk.Now()))
	mustDequeue(t, m, "T")
	it, err := m.Enqueue(context.Background(), "T", ev(model.PriorityCritical, clk.Now()))
	if !IsDeadLetter(err) || it.DeadReason != ReasonEvicted {
		t.Fatalf("expected newcomer dead-lettered, got %+v %v", it, err)
	}
}

func TestRequeueDeadLetterStartsFresh(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{MaxAttempts: 1}, nil)
	ctx := context.Background()
	it := mustEnqueue(t, m, "T", ev(model.PriorityHigh, clk.Now()))
	mustDequeue(t, m, "T")
	_, _ = m.Fail(ctx, it.ID, "x")

	fresh, err := m.RequeueDeadLetter(ctx, it.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if fresh.ID == it.ID || fresh.Attempt != 0 || fresh.State != StatePending || fresh.Event.ID != it.Event.ID {
		t.Fatalf("fresh item = %+v", fresh)
	}
	if len(m.DeadLetter("T", 0)) != 0 {
		t.Fatalf("dead-letter still holds the item")
	}
	if l := mustDequeue(t, m, "T"); l.Item.ID != fresh.ID {
		t.Fatalf("requeued item not eligible")
	}
	if _, err := m.RequeueDeadLetter(ctx, it.ID); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("second requeue = %v", err)
	}
}

func TestPurgeDeadLetter(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{MaxAttempts: 1}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		it := mustEnqueue(t, m, "T", ev(model.PriorityNormal, clk.Now()))
		mustDequeue(t, m, "T")
		_, _ = m.Fail(ctx, it.ID, "x")
		clk.Advance(time.Hour)
	}
	dl := m.DeadLetter("T", 2)
	if len(dl) != 2 || !dl[0].DeadAt.After(dl[1].DeadAt) {
		t.Fatalf("DeadLetter not newest first: %+v", dl)
	}
	if n := m.PurgeDeadLetter(ctx, "T", clk.Now().Add(-90*time.Minute)); n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if n := m.PurgeDeadLetter(ctx, "T", time.Time{}); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}

func TestPruneAckedTombstones(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{AckRetention: time.Minute}, nil)
	ctx := context.Background()
	it := mustEnqueue(t, m, "T", ev(model.PriorityNormal, clk.Now()))
	mustDequeue(t, m, "T")
	_ = m.Ack(ctx, it.ID)
	if n := m.PruneAcked(clk.Now()); n != 0 {
		t.Fatalf("pruned fresh tombstone")
	}
	clk.Advance(2 * time.Minute)
	if n := m.PruneAcked(clk.Now()); n != 1 {
		t.Fatalf("PruneAcked = %d", n)
	}
	if err := m.Ack(ctx, it.ID); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("ack after prune = %v", err)
	}
}

func TestRemoveTargetDiscardsEverything(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemory()
	m, clk := newTestManager(t, Config{MaxAttempts: 1}, kv)
	ctx := context.Background()
	dead := mustEnqueue(t, m, "T/1", ev(model.PriorityNormal, clk.Now()))
	mustDequeue(t, m, "T/1")
	_, _ = m.Fail(ctx, dead.ID, "x")
	mustEnqueue(t, m, "T/1", ev(model.PriorityNormal, clk.Now()))
	l := mustDequeue(t, m, "T/1")
	mustEnqueue(t, m, "T/1", ev(model.PriorityNormal, clk.Now()))
	other := mustEnqueue(t, m, "U", ev(model.PriorityNormal, clk.Now()))

	n, err := m.RemoveTarget(ctx, "T/1")
	if err != nil || n != 2 {
		t.Fatalf("RemoveTarget = %d, %v", n, err)
	}
	select {
	case <-l.Done():
	default:
		t.Fatalf("lease not closed on removal")
	}
	if _, err := m.Fail(ctx, l.Item.ID, "late"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("fail after removal = %v", err)
	}
	entries, _ := kv.Scan(ctx, "")
	if len(entries) != 1 || entries[0].Key != queueKey("U", other.ID) {
		t.Fatalf("storage after removal = %+v", entries)
	}
}

func TestWakeSignalsOnEnqueue(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{}, nil)
	mustEnqueue(t, m, "T", ev(model.PriorityNormal, clk.Now()))
	w := m.Wake("T")
	mustEnqueue(t, m, "T", ev(model.PriorityNormal, clk.Now()))
	select {
	case <-w:
	default:
		t.Fatalf("no wake after enqueue")
	}
	select {
	case <-w:
		t.Fatalf("wake must coalesce")
	default:
	}
}

func TestWakeLeavesMissingTargetAlone(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{}, nil)
	w := m.Wake("gone")
	if got := m.Targets(); len(got) != 0 {
		t.Fatalf("Wake created a queue: %v", got)
	}
	select {
	case <-w:
		t.Fatalf("wake fired with no queue")
	default:
	}
	mustEnqueue(t, m, "gone", ev(model.PriorityNormal, clk.Now()))
	select {
	case <-w:
	default:
		t.Fatalf("no wake once the queue exists")
	}

	if _, err := m.RemoveTarget(context.Background(), "gone"); err != nil {
		t.Fatalf("RemoveTarget: %v", err)
	}
	_ = m.Wake("gone")
	if got := m.Targets(); len(got) != 0 {
		t.Fatalf("Wake revived a removed queue: %v", got)
	}
}

func TestPerTargetIsolation(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{}, nil)
	var wg sync.WaitGroup
	for _, target := range []string{"a", "b", "c", "d"} {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				it, err := m.Enqueue(context.Background(), target, ev(model.PriorityNormal, clk.Now()))
				if err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
				l, ok := m.DequeueNext(target)
				if !ok || l.Item.ID != it.ID {
					t.Errorf("dequeue mismatch on %s", target)
					return
				}
				if err := m.Ack(context.Background(), it.ID); err != nil {
					t.Errorf("Ack: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, st := range m.AllStats() {
		if st.Depth() != 0 || st.Acked != 200 {
			t.Fatalf("stats %+v", st)
		}
	}
}
