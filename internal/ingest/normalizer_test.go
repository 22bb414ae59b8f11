package ingest

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"notifrelay/internal/model"
)

func TestNormalizePlatforms(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{})
	tests := []struct {
		name     string
		raw      RawEvent
		app      string
		title    string
		body     string
		priority model.Priority
	}{
		{
			name: "linux critical",
			raw: RawEvent{Platform: "linux", Payload: map[string]any{
				"app_name": "org.gnome.Calendar", "summary": "Standup", "body": "in 5 minutes", "urgency": float64(2),
				"actions": []any{"snooze", "dismiss"},
			}},
			app: "org.gnome.Calendar", title: "Standup", body: "in 5 minutes", priority: model.PriorityCritical,
		},
		{
			name: "linux default urgency",
			raw:  RawEvent{Platform: "LINUX", Payload: map[string]any{"app_name": "slack", "summary": "hi"}},
			app:  "slack", title: "hi", priority: model.PriorityNormal,
		},
		{
			name: "darwin time sensitive with subtitle",
			raw: RawEvent{Platform: "darwin", Payload: map[string]any{
				"bundle_id": "com.apple.MobileSMS", "title": "Alice", "subtitle": "Family", "body": "dinner?", "interruption_level": "time-sensitive",
			}},
			app: "com.apple.MobileSMS", title: "Alice: Family", body: "dinner?", priority: model.PriorityHigh,
		},
		{
			name: "windows alarm toast",
			raw: RawEvent{Platform: "windows", Payload: map[string]any{
				"app_id": "Microsoft.WindowsAlarms", "text": []any{"Alarm", "Wake up", "now"}, "scenario": "alarm",
			}},
			app: "Microsoft.WindowsAlarms", title: "Alarm", body: "Wake up\nnow", priority: model.PriorityCritical,
		},
		{
			name: "generic",
			raw:  RawEvent{Platform: "generic", Payload: map[string]any{"app": "cli", "title": "t", "body": "b", "priority": "low"}},
			app:  "cli", title: "t", body: "b", priority: model.PriorityLow,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize error: %v", err)
			}
			if ev.ID == "" || ev.Seq == 0 || ev.CreatedAt.IsZero() {
				t.Fatalf("identity not assigned: %+v", ev)
			}
			if ev.SourceApplication != tt.app || ev.Title != tt.title || ev.Body != tt.body {
				t.Fatalf("got app=%q title=%q body=%q", ev.SourceApplication, ev.Title, ev.Body)
			}
			if ev.Priority != tt.priority {
				t.Fatalf("Priority = %v, want %v", ev.Priority, tt.priority)
			}
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{})
	cases := map[string]RawEvent{
		"unknown platform": {Platform: "beos", Payload: map[string]any{"app": "x", "title": "t"}},
		"nil payload":      {Platform: "linux"},
		"missing app":      {Platform: "linux", Payload: map[string]any{"summary": "t"}},
		"empty content":    {Platform: "darwin", Payload: map[string]any{"bundle_id": "x"}},
		"bad priority":     {Platform: "generic", Payload: map[string]any{"app": "x", "title": "t", "priority": "urgent!"}},
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(raw)
			if !IsMalformed(err) {
				t.Fatalf("expected MalformedEventError, got %v", err)
			}
		})
	}
}

func TestNormalizeTruncatesInsteadOfRejecting(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{MaxContentBytes: 16})
	ev, err := n.Normalize(RawEvent{Platform: "generic", Payload: map[string]any{
		"app": "x", "title": "héllo", "body": strings.Repeat("é", 20),
	}})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got := len(ev.Title) + len(ev.Body); got > 16 {
		t.Fatalf("combined length %d exceeds limit", got)
	}
	if !utf8.ValidString(ev.Body) {
		t.Fatalf("truncation split a rune: %q", ev.Body)
	}
	if ev.Metadata[model.MetaTruncated] != true {
		t.Fatalf("truncated flag missing: %v", ev.Metadata)
	}

	ev, err = n.Normalize(RawEvent{Platform: "generic", Payload: map[string]any{"app": "x", "title": strings.Repeat("t", 40)}})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if len(ev.Title) != 16 || ev.Body != "" {
		t.Fatalf("title-only truncation wrong: %q / %q", ev.Title, ev.Body)
	}
}

func TestNormalizeDropsNonPrimitiveMetadata(t *testing.T) {
	t.Parallel()
	n := NewNormalizer(Config{})
	ev, err := n.Normalize(RawEvent{Platform: "generic", Payload: map[string]any{
		"app": "x", "title": "t",
		"metadata": map[string]any{"icon": "mail", "blob": map[string]any{"a": 1}},
	}})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if ev.Metadata["icon"] != "mail" {
		t.Fatalf("icon lost: %v", ev.Metadata)
	}
	if _, ok := ev.Metadata["blob"]; ok {
		t.Fatalf("nested map must be dropped")
	}
	dropped, _ := ev.Metadata[model.MetaDroppedKeys].([]string)
	if len(dropped) != 1 || dropped[0] != "blob" {
		t.Fatalf("dropped_keys = %v", ev.Metadata[model.MetaDroppedKeys])
	}
}

func TestIntakeFailsFastWhenFull(t *testing.T) {
	t.Parallel()
	in := NewIntake(1, 20*time.Millisecond)
	if err := in.OnRawEvent("linux", map[string]any{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	start := time.Now()
	err := in.Submit(RawEvent{Platform: "linux"})
	if !IsCapacityExceeded(err) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatalf("Submit blocked")
	}

	err = in.SubmitWait(context.Background(), RawEvent{Platform: "linux"})
	if !IsCapacityExceeded(err) {
		t.Fatalf("expected bounded wait to fail, got %v", err)
	}

	<-in.C()
	if err := in.SubmitWait(context.Background(), RawEvent{Platform: "linux"}); err != nil {
		t.Fatalf("submit after drain: %v", err)
	}
	in.Close()
	if err := in.Submit(RawEvent{}); err != ErrIntakeClosed {
		t.Fatalf("submit after close = %v", err)
	}
}
