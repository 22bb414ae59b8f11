package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"notifrelay/internal/eventbus"
	logx "notifrelay/pkg/logx"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *captureSender) Alert(_ context.Context, text string) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, text)
	s.mu.Unlock()
	return nil
}

func (s *captureSender) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ev   eventbus.Event
		want string
	}{
		{
			name: "dead letter",
			ev: eventbus.Event{Type: eventbus.QueueDeadLettered, Data: eventbus.ItemEvent{
				Target: "phone", ItemID: "i1", Priority: "high", Attempt: 5, Reason: "max attempts exceeded",
			}},
			want: "delivery to phone dead-lettered\nitem i1 (high)\nattempts 5, reason: max attempts exceeded",
		},
		{
			name: "filter fault",
			ev:   eventbus.Event{Type: eventbus.FilterFault, Data: eventbus.FilterEvent{Rule: "r1", Error: "boom"}},
			want: `filter rule "r1" failed: boom`,
		},
		{name: "ignored topic", ev: eventbus.Event{Type: eventbus.QueueAcked, Data: eventbus.ItemEvent{}}},
		{name: "wrong payload", ev: eventbus.Event{Type: eventbus.QueueDeadLettered, Data: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Format(tc.ev)
			if tc.want == "" {
				if got != "" {
					t.Fatalf("got %q", got)
				}
				return
			}
			if !strings.Contains(got, tc.want) {
				t.Fatalf("got %q, want it to contain %q", got, tc.want)
			}
		})
	}
}

func TestNotifierRateLimitsAndSummarizes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := &captureSender{}
	n := New(Config{RatePerMin: 1}, bus, s, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		eventbus.Publish(bus, eventbus.QueueDeadLettered, eventbus.ItemEvent{Target: "phone", ItemID: "x"})
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.list()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.list(); len(got) != 1 {
		t.Fatalf("sent %d alerts, want 1", len(got))
	}

	// Refill the bucket and check the suppressed count rides along.
	n.Apply(Config{RatePerMin: 6000}, s)
	time.Sleep(20 * time.Millisecond)
	eventbus.Publish(bus, eventbus.QueueDeadLettered, eventbus.ItemEvent{Target: "phone", ItemID: "y"})
	for len(s.list()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := s.list()
	if len(got) != 2 || !strings.Contains(got[1], "+2 alerts suppressed") {
		t.Fatalf("alerts = %q", got)
	}
}
