// Package dispatch drains per-target delivery queues into device connections
// and correlates acknowledgments back to queued items.
//
// Each target gets one worker running a small state machine:
//
//	idle -> sending -> waiting-ack -> idle
//
// A worker never dequeues without a live connection, so items for an offline
// device stay pending without accruing retries. At most one item per target is
// in flight.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notifrelay/internal/eventbus"
	"notifrelay/internal/queue"
	"notifrelay/internal/registry"
	rtsup "notifrelay/internal/runtime/supervisor"
	"notifrelay/internal/transport"
	logx "notifrelay/pkg/logx"
)

type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateWaitingAck State = "waiting-ack"
)

// Queue is the subset of the delivery queue a worker drives.
type Queue interface {
	DequeueNext(target string) (queue.Lease, bool)
	Fail(ctx context.Context, itemID, reason string) (queue.Item, error)
	Release(itemID string) error
	Wake(target string) <-chan struct{}
	NextWake(target string) (time.Time, bool)
}

// Registry is the subset of the connection registry a worker reads.
type Registry interface {
	Current(target string) (registry.Record, bool)
	Watch(target string) <-chan struct{}
}

type Config struct {
	SendTimeout time.Duration
	AckTimeout  time.Duration
	// RatePerSec limits sends per target. 0 means unlimited.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerSec == 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSec)
}

type Options struct {
	Log logx.Logger
	Bus eventbus.Bus
}

type Dispatcher struct {
	q   Queue
	reg Registry
	sup *rtsup.Supervisor
	log logx.Logger
	bus eventbus.Bus
	cfg atomic.Pointer[Config]

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	target  string
	cancel  context.CancelFunc
	done    <-chan struct{}
	state   atomic.Value // State
	limiter *rate.Limiter
}

func (w *worker) set(s State) { w.state.Store(s) }

func (w *worker) get() State {
	if s, ok := w.state.Load().(State); ok {
		return s
	}
	return StateIdle
}

// New returns a dispatcher whose workers run under sup.
func New(cfg Config, q Queue, reg Registry, sup *rtsup.Supervisor, opts Options) *Dispatcher {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	d := &Dispatcher{
		q:       q,
		reg:     reg,
		sup:     sup,
		log:     opts.Log,
		bus:     opts.Bus,
		workers: map[string]*worker{},
	}
	d.Apply(cfg)
	return d
}

// Apply updates timeouts and rate limits; running workers pick them up on
// their next send.
func (d *Dispatcher) Apply(cfg Config) {
	c := cfg.withDefaults()
	d.cfg.Store(&c)
	d.mu.Lock()
	for _, w := range d.workers {
		w.limiter.SetLimit(c.limit())
		w.limiter.SetBurst(c.Burst)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config { return *d.cfg.Load() }

// Ensure starts target's worker unless it is already running.
func (d *Dispatcher) Ensure(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[target]; ok {
		select {
		case <-w.done:
		default:
			return
		}
	}
	cfg := d.Config()
	w := &worker{target: target, limiter: rate.NewLimiter(cfg.limit(), cfg.Burst)}
	w.set(StateIdle)
	w.cancel, w.done = d.sup.GoCancelable("dispatch."+target, func(ctx context.Context) error {
		return d.run(ctx, w)
	})
	d.workers[target] = w
}

// Remove cancels target's worker. An in-flight send is abandoned, not awaited.
func (d *Dispatcher) Remove(target string) bool {
	d.mu.Lock()
	w, ok := d.workers[target]
	delete(d.workers, target)
	d.mu.Unlock()
	if ok {
		w.cancel()
	}
	return ok
}

// State reports target's worker state.
func (d *Dispatcher) State(target string) (State, bool) {
	d.mu.Lock()
	w, ok := d.workers[target]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	return w.get(), true
}

// States snapshots every worker's state.
func (d *Dispatcher) States() map[string]State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]State, len(d.workers))
	for t, w := range d.workers {
		out[t] = w.get()
	}
	return out
}

// Targets lists targets with a worker, sorted.
func (d *Dispatcher) Targets() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.workers))
	for t := range d.workers {
		out = append(out, t)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stop cancels every worker and waits for them until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	ws := make([]*worker, 0, len(d.workers))
	for t, w := range d.workers {
		ws = append(ws, w)
		delete(d.workers, t)
	}
	d.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
	for _, w := range ws {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) setState(w *worker, s State) {
	if w.get() == s {
		return
	}
	w.set(s)
	eventbus.Publish(d.bus, eventbus.DispatchState, eventbus.DispatchEvent{Target: w.target, State: string(s)})
}

func (d *Dispatcher) run(ctx context.Context, w *worker) error {
	log := d.log.With(logx.Target(w.target))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.setState(w, StateIdle)

		// Take the watch before reading the slot so no change slips between.
		watch := d.reg.Watch(w.target)
		rec, ok := d.reg.Current(w.target)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-watch:
			}
			continue
		}

		lease, ok := d.q.DequeueNext(w.target)
		if !ok {
			if err := d.waitForWork(ctx, w.target, watch); err != nil {
				return err
			}
			continue
		}
		d.deliver(ctx, w, log, rec, watch, lease)
	}
}

func (d *Dispatcher) waitForWork(ctx context.Context, target string, watch <-chan struct{}) error {
	var timer *time.Timer
	var due <-chan time.Time
	if at, ok := d.q.NextWake(target); ok {
		timer = time.NewTimer(max(time.Until(at), 0))
		due = timer.C
		defer timer.Stop()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watch:
	case <-d.q.Wake(target):
	case <-due:
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, w *worker, log logx.Logger, rec registry.Record, watch <-chan struct{}, lease queue.Lease) {
	it := lease.Item
	cfg := d.Config()
	d.setState(w, StateSending)

	if err := w.limiter.Wait(ctx); err != nil {
		_ = d.q.Release(it.ID)
		return
	}
	ev := it.Event
	frame := transport.Frame{Type: transport.FrameEvent, ItemID: it.ID, Attempt: it.Attempt + 1, Event: &ev}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := rec.Handle.Send(sctx, frame)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			_ = d.q.Release(it.ID)
			return
		}
		f := &DeliveryFailure{Target: w.target, ItemID: it.ID, Attempt: it.Attempt + 1, Timeout: timedOut, Cause: err}
		eventbus.Publish(d.bus, eventbus.DispatchSendFailed, eventbus.DispatchEvent{Target: w.target, ItemID: it.ID, Attempt: f.Attempt, Error: f.Error()})
		d.fail(ctx, log, it, f.Error())
		return
	}
	eventbus.Publish(d.bus, eventbus.DispatchSent, eventbus.DispatchEvent{Target: w.target, ItemID: it.ID, Attempt: it.Attempt + 1})

	d.setState(w, StateWaitingAck)
	timer := time.NewTimer(cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-lease.Done():
			return
		case <-watch:
			cur, ok := d.reg.Current(w.target)
			if ok && cur.ConnID == rec.ConnID {
				watch = d.reg.Watch(w.target)
				// Re-check: the slot may have changed before the new watch.
				if cur2, ok2 := d.reg.Current(w.target); ok2 && cur2.ConnID == rec.ConnID {
					continue
				}
			}
			d.fail(ctx, log, it, "connection lost before ack")
			return
		case <-timer.C:
			eventbus.Publish(d.bus, eventbus.DispatchAckTimeout, eventbus.DispatchEvent{Target: w.target, ItemID: it.ID, Attempt: it.Attempt + 1})
			d.fail(ctx, log, it, "ack timeout")
			return
		case <-ctx.Done():
			_ = d.q.Release(it.ID)
			return
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, log logx.Logger, it queue.Item, reason string) {
	next, err := d.q.Fail(context.WithoutCancel(ctx), it.ID, reason)
	switch {
	case err == nil:
		log.Debug("delivery retry scheduled", logx.Item(it.ID), logx.Int("attempt", next.Attempt),
			logx.Time("next_eligible_at", next.NextEligibleAt), logx.String("reason", reason))
	case queue.IsDeadLetter(err):
		log.Warn("delivery gave up", logx.Item(it.ID), logx.Err(err))
	case errors.Is(err, queue.ErrNotInflight), errors.Is(err, queue.ErrUnknownItem):
		// Already acked, failed or removed by a concurrent path.
		log.Debug("failure signal ignored", logx.Item(it.ID), logx.String("reason", reason), logx.Err(err))
	default:
		log.Warn("queue fail error", logx.Item(it.ID), logx.Err(err))
	}
}
