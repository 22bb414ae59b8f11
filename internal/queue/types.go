// Package queue implements the durable per-target delivery queue.
//
// Each target owns a priority-ordered set of pending items, at most a few
// inflight leases, a dead-letter sink and short-lived ack tombstones. Every
// transition that must survive a crash is written to the KV store before it
// becomes visible in memory.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifrelay/internal/model"
)

var (
	ErrUnknownItem   = errors.New("queue: unknown item")
	ErrNotInflight   = errors.New("queue: item not inflight")
	ErrNotDead       = errors.New("queue: item not in dead-letter")
	ErrEmptyTarget   = errors.New("queue: empty target id")
	ErrTargetRemoved = errors.New("queue: target removed")
)

// Dead-letter reasons recorded by the queue itself.
const (
	ReasonEvicted   = "evicted: queue full"
	ReasonExhausted = "max attempts exceeded"
)

type State int

const (
	StatePending State = iota
	StateInflight
	StateAcknowledged
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInflight:
		return "inflight"
	case StateAcknowledged:
		return "acknowledged"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "pending":
		*s = StatePending
	case "inflight":
		*s = StateInflight
	case "acknowledged":
		*s = StateAcknowledged
	case "dead":
		*s = StateDead
	default:
		return fmt.Errorf("unknown item state %q", v)
	}
	return nil
}

// Item is a NotificationEvent scoped to one target with its delivery state.
type Item struct {
	ID             string                  `json:"id"`
	TargetID       string                  `json:"target_id"`
	Event          model.NotificationEvent `json:"event"`
	Attempt        int                     `json:"attempt"`
	NextEligibleAt time.Time               `json:"next_eligible_at,omitempty"`
	State          State                   `json:"state"`
	EnqueuedAt     time.Time               `json:"enqueued_at"`
	LastError      string                  `json:"last_error,omitempty"`
	DeadAt         time.Time               `json:"dead_at,omitempty"`
	DeadReason     string                  `json:"dead_reason,omitempty"`
}

// DeadLetterError reports an item that reached the dead-letter sink. It is
// terminal for the item and is never retried automatically.
type DeadLetterError struct {
	ItemID   string
	TargetID string
	Attempts int
	Reason   string
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("item %s for %s dead-lettered after %d attempt(s): %s", e.ItemID, e.TargetID, e.Attempts, e.Reason)
}

// IsDeadLetter reports whether err carries a *DeadLetterError.
func IsDeadLetter(err error) bool {
	var d *DeadLetterError
	return errors.As(err, &d)
}

// Stats is a per-target snapshot.
type Stats struct {
	Target   string `json:"target"`
	Pending  int    `json:"pending"`
	Inflight int    `json:"inflight"`
	Delayed  int    `json:"delayed"`
	Dead     int    `json:"dead"`
	Acked    int    `json:"acked"`
}

// Depth is the count bounded by MaxDepth: pending plus inflight.
func (s Stats) Depth() int { return s.Pending + s.Inflight }

// Lease is handed out by DequeueNext. Done is closed once the item leaves
// inflight (ack, fail, release or target removal).
type Lease struct {
	Item Item
	done <-chan struct{}
}

func (l Lease) Done() <-chan struct{} { return l.done }
