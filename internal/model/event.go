// Package model holds the canonical notification event that flows through the
// relay pipeline.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Priority orders events inside a delivery queue. Higher values overtake lower ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority accepts the canonical names (case-insensitive). Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		if !Priority(n).Valid() {
			return fmt.Errorf("priority out of range: %d", n)
		}
		*p = Priority(n)
		return nil
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Metadata keys set by the pipeline itself.
const (
	MetaTruncated   = "truncated"
	MetaDroppedKeys = "dropped_keys"
)

// NotificationEvent is the canonical unit flowing through the pipeline.
//
// An event is immutable once it leaves the normalizer; the only sanctioned
// change is WithContent, which keeps the ID.
type NotificationEvent struct {
	ID                string         `json:"id"`
	Platform          string         `json:"platform"`
	SourceApplication string         `json:"source_application"`
	Title             string         `json:"title"`
	Body              string         `json:"body"`
	Priority          Priority       `json:"priority"`
	CreatedAt         time.Time      `json:"created_at"`
	Seq               uint64         `json:"seq"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// WithContent returns a copy carrying new title/body and the same identity.
func (e NotificationEvent) WithContent(title, body string) NotificationEvent {
	cp := e
	cp.Title = title
	cp.Body = body
	cp.Metadata = cloneMeta(e.Metadata)
	return cp
}

// Before reports whether e ranks ahead of o inside one queue:
// higher priority first, then older first.
func (e NotificationEvent) Before(o NotificationEvent) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.Seq < o.Seq
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if ss, ok := v.([]string); ok {
			v = append([]string(nil), ss...)
		}
		out[k] = v
	}
	return out
}

var seq atomic.Uint64

// NextSeq returns a process-wide increasing sequence number. It breaks ordering
// ties between events whose wall-clock timestamps collide or go backwards.
func NextSeq() uint64 { return seq.Add(1) }

// ObserveSeq raises the sequence floor so values reloaded from storage are never reused.
func ObserveSeq(v uint64) {
	for {
		cur := seq.Load()
		if v <= cur || seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

// NewID returns a time-ordered random identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
