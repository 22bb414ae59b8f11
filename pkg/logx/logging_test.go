package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type chanAlerter chan string

func (c chanAlerter) Alert(_ context.Context, text string) error {
	c <- text
	return nil
}

func TestWriterLoggerFieldsAndLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Target("phone"))
	log.Debug("hidden")
	log.Info("queued", Item("it-1"), Int("attempt", 2), Err(errors.New("nope")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["message"] != "queued" || rec["target"] != "phone" || rec["item"] != "it-1" || rec["attempt"] != float64(2) || rec["err"] != "nope" {
		t.Fatalf("record = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", rec["caller"])
	}
	if log.Enabled(LevelDebug) || !log.Enabled(LevelWarn) {
		t.Fatalf("Enabled disagrees with level")
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Error("dropped")
	if Nop().IsZero() {
		t.Fatalf("Nop is a configured logger")
	}
	Nop().With(String("k", "v")).Warn("dropped")
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "trace", "Debug", "INFO", "warning", " error "} {
		if !ValidLevel(ok) {
			t.Fatalf("ValidLevel(%q) = false", ok)
		}
	}
	for _, bad := range []string{"fatal", "loud", "2"} {
		if ValidLevel(bad) {
			t.Fatalf("ValidLevel(%q) = true", bad)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()
	got := FormatRecord([]byte(`{"level":"error","time":"x","message":"send failed","target":"phone","attempt":3}`))
	want := "[ERROR] send failed\n- attempt=3\n- target=phone"
	if got != want {
		t.Fatalf("FormatRecord = %q, want %q", got, want)
	}
	if got := FormatRecord([]byte("not json")); got != "not json" {
		t.Fatalf("raw passthrough = %q", got)
	}
	long := FormatRecord([]byte(strings.Repeat("x", 5000)))
	if len(long) != 3500 || !strings.HasSuffix(long, "...") {
		t.Fatalf("truncate len=%d", len(long))
	}
}

func TestServiceForwardsAlertsAndWritesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.log")
	alerts := make(chanAlerter, 4)
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Alerts: AlertConfig{
			Enabled:    true,
			MinLevel:   "error",
			RatePerSec: 10,
		},
	}, alerts)

	log.Warn("below threshold")
	log.Error("dead-lettered", Target("phone"))

	select {
	case text := <-alerts:
		if !strings.HasPrefix(text, "[ERROR] dead-lettered") || !strings.Contains(text, "target=phone") {
			t.Fatalf("alert = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no alert")
	}
	select {
	case text := <-alerts:
		t.Fatalf("unexpected alert %q", text)
	case <-time.After(50 * time.Millisecond):
	}

	svc.SetAlerter(nil)
	log.Error("silenced")

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"below threshold", "dead-lettered", "silenced"} {
		if !bytes.Contains(b, []byte(want)) {
			t.Fatalf("log file missing %q", want)
		}
	}
}
