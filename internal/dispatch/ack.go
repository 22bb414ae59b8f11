package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"notifrelay/internal/eventbus"
	"notifrelay/internal/queue"
	logx "notifrelay/pkg/logx"
)

// AckQueue is the subset of the delivery queue the tracker needs.
type AckQueue interface {
	Item(itemID string) (queue.Item, bool)
	Ack(ctx context.Context, itemID string) error
}

// AckTracker validates inbound acks before they touch the queue.
type AckTracker struct {
	q       AckQueue
	log     logx.Logger
	bus     eventbus.Bus
	ignored atomic.Uint64
}

func NewAckTracker(q AckQueue, opts Options) *AckTracker {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &AckTracker{q: q, log: opts.Log, bus: opts.Bus}
}

// OnAckReceived acknowledges itemID for target. Duplicate acks of an
// acknowledged item return nil. Unknown items, items of another target and
// items that are not inflight are ignored with ErrStaleAck.
func (t *AckTracker) OnAckReceived(ctx context.Context, target, itemID string) error {
	it, ok := t.q.Item(itemID)
	if !ok {
		return t.ignore(target, itemID, "unknown item")
	}
	if it.TargetID != target {
		return t.ignore(target, itemID, "item belongs to another target")
	}
	switch it.State {
	case queue.StateAcknowledged:
		return nil
	case queue.StateInflight:
	default:
		return t.ignore(target, itemID, "item is "+it.State.String())
	}
	err := t.q.Ack(ctx, itemID)
	if errors.Is(err, queue.ErrNotInflight) || errors.Is(err, queue.ErrUnknownItem) {
		// Lost a race with a timeout or disconnect.
		return t.ignore(target, itemID, err.Error())
	}
	return err
}

// Ignored counts acks dropped as stale.
func (t *AckTracker) Ignored() uint64 { return t.ignored.Load() }

func (t *AckTracker) ignore(target, itemID, why string) error {
	t.ignored.Add(1)
	t.log.Debug("ack ignored", logx.Target(target), logx.Item(itemID), logx.String("why", why))
	eventbus.Publish(t.bus, eventbus.AckIgnored, eventbus.DispatchEvent{Target: target, ItemID: itemID, Error: why})
	return fmt.Errorf("%w: %s", ErrStaleAck, why)
}

// HeartbeatSink records device heartbeats.
type HeartbeatSink interface {
	RecordHeartbeat(target string) bool
}

// Inbound adapts the tracker and the registry to transport.Inbound.
type Inbound struct {
	Acks       *AckTracker
	Heartbeats HeartbeatSink
}

func (in Inbound) OnAck(ctx context.Context, target, itemID string) error {
	return in.Acks.OnAckReceived(ctx, target, itemID)
}

func (in Inbound) OnHeartbeat(target string) { in.Heartbeats.RecordHeartbeat(target) }
