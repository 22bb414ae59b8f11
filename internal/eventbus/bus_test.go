package eventbus

import (
	"sync"
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, QueueEnqueued, ItemEvent{Target: "phone", ItemID: "1"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != QueueEnqueued || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
		if p, ok := e.Data.(ItemEvent); !ok || p.Target != "phone" {
			t.Fatalf("payload = %#v", e.Data)
		}
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: DispatchSent})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: AckIgnored})
	if b.Dropped() != 0 {
		t.Fatalf("publishing with no subscribers should not count drops")
	}
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, ConfigReloaded, ConfigEvent{})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		_, unsub := b.Subscribe(2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: QueueRetry})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}
