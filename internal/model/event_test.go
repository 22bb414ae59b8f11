package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPriorityJSONRoundTripAndOrder(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(PriorityCritical)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"critical"` {
		t.Fatalf("marshal = %s, want \"critical\"", b)
	}
	var p Priority
	if err := json.Unmarshal([]byte(`"HIGH"`), &p); err != nil || p != PriorityHigh {
		t.Fatalf("unmarshal HIGH = %v, %v", p, err)
	}
	if err := json.Unmarshal([]byte(`7`), &p); err == nil {
		t.Fatalf("expected out-of-range numeric priority to fail")
	}
	if !(PriorityCritical > PriorityHigh && PriorityHigh > PriorityNormal && PriorityNormal > PriorityLow) {
		t.Fatalf("priority enum is not ordered")
	}
}

func TestBeforeOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(100, 0)
	low := NotificationEvent{Priority: PriorityLow, CreatedAt: t0, Seq: 1}
	crit := NotificationEvent{Priority: PriorityCritical, CreatedAt: t0.Add(time.Second), Seq: 2}
	if !crit.Before(low) || low.Before(crit) {
		t.Fatalf("critical must rank ahead of low regardless of age")
	}
	older := NotificationEvent{Priority: PriorityNormal, CreatedAt: t0, Seq: 5}
	newer := NotificationEvent{Priority: PriorityNormal, CreatedAt: t0.Add(time.Millisecond), Seq: 3}
	if !older.Before(newer) {
		t.Fatalf("older event must rank first within the same priority")
	}
	tieA := NotificationEvent{Priority: PriorityNormal, CreatedAt: t0, Seq: 1}
	tieB := NotificationEvent{Priority: PriorityNormal, CreatedAt: t0, Seq: 2}
	if !tieA.Before(tieB) {
		t.Fatalf("sequence must break timestamp ties")
	}
}

func TestWithContentKeepsIdentity(t *testing.T) {
	t.Parallel()
	ev := NotificationEvent{ID: "a", Title: "t", Body: "b", Metadata: map[string]any{"actions": []string{"x"}}}
	mod := ev.WithContent("T", "B")
	if mod.ID != ev.ID || mod.Title != "T" || mod.Body != "B" {
		t.Fatalf("unexpected modified event: %+v", mod)
	}
	mod.Metadata["actions"].([]string)[0] = "changed"
	if ev.Metadata["actions"].([]string)[0] != "x" {
		t.Fatalf("metadata must be copied, original was mutated")
	}
}

func TestSanitizeMetadata(t *testing.T) {
	t.Parallel()
	in := map[string]any{
		"category": "im.received",
		"urgent":   true,
		"count":    float64(3),
		"ratio":    0.5,
		"actions":  []any{"reply", "dismiss"},
		"nested":   map[string]any{"a": 1},
		"mixed":    []any{"a", 1},
		"nil":      nil,
	}
	out, dropped := SanitizeMetadata(in)
	if out["count"] != int64(3) {
		t.Fatalf("count = %#v, want int64(3)", out["count"])
	}
	if out["ratio"] != 0.5 {
		t.Fatalf("ratio = %#v", out["ratio"])
	}
	if acts, ok := out["actions"].([]string); !ok || len(acts) != 2 {
		t.Fatalf("actions = %#v", out["actions"])
	}
	want := []string{"mixed", "nested", "nil"}
	if len(dropped) != len(want) {
		t.Fatalf("dropped = %v, want %v", dropped, want)
	}
	for i := range want {
		if dropped[i] != want[i] {
			t.Fatalf("dropped = %v, want %v", dropped, want)
		}
	}
}

func TestNewIDIsUniqueAndOrdered(t *testing.T) {
	t.Parallel()
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if a == b {
		t.Fatalf("ids collided")
	}
	if a > b {
		t.Fatalf("UUIDv7 ids should sort by creation time: %s > %s", a, b)
	}
}
