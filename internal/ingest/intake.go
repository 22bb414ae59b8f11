package ingest

import (
	"context"
	"sync"
	"time"
)

// Intake is the bounded hand-off between capture adapters and the pipeline.
// Producers never block longer than the configured wait.
type Intake struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan RawEvent
	maxWait time.Duration
}

func NewIntake(capacity int, maxWait time.Duration) *Intake {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxWait < 0 {
		maxWait = 0
	}
	return &Intake{ch: make(chan RawEvent, capacity), maxWait: maxWait}
}

// C is drained by the pipeline workers. It is closed by Close.
func (in *Intake) C() <-chan RawEvent { return in.ch }

func (in *Intake) Len() int { return len(in.ch) }
func (in *Intake) Cap() int { return cap(in.ch) }

// OnRawEvent is the push callback handed to capture adapters.
func (in *Intake) OnRawEvent(platform string, payload map[string]any) error {
	return in.Submit(RawEvent{Platform: platform, Payload: payload, CapturedAt: time.Now()})
}

// Submit enqueues ev without blocking.
func (in *Intake) Submit(ev RawEvent) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrIntakeClosed
	}
	select {
	case in.ch <- ev:
		return nil
	default:
		return &CapacityExceededError{Capacity: cap(in.ch)}
	}
}

// SubmitWait enqueues ev, waiting at most the configured bound (or until ctx ends).
func (in *Intake) SubmitWait(ctx context.Context, ev RawEvent) error {
	if err := in.Submit(ev); err == nil || !IsCapacityExceeded(err) || in.maxWait == 0 {
		return err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrIntakeClosed
	}
	t := time.NewTimer(in.maxWait)
	defer t.Stop()
	select {
	case in.ch <- ev:
		return nil
	case <-t.C:
		return &CapacityExceededError{Capacity: cap(in.ch), Waited: in.maxWait}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. Buffered events remain readable from C.
func (in *Intake) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.ch)
}
