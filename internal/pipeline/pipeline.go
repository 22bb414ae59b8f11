// Package pipeline moves captured events from the intake through the
// normalizer and the filter engine into the delivery queue of every paired
// target that wants them.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"notifrelay/internal/eventbus"
	"notifrelay/internal/filter"
	"notifrelay/internal/ingest"
	"notifrelay/internal/model"
	"notifrelay/internal/queue"
	logx "notifrelay/pkg/logx"
)

// Target is a paired device.
type Target struct {
	ID          string
	MinPriority model.Priority
}

// Filter evaluates an event against the active rule set.
type Filter interface {
	Evaluate(ev model.NotificationEvent) filter.Decision
}

type Queue interface {
	Enqueue(ctx context.Context, target string, ev model.NotificationEvent) (queue.Item, error)
	RemoveTarget(ctx context.Context, target string) (int, error)
}

type Dispatcher interface {
	Ensure(target string)
	Remove(target string) bool
}

// Registry drops the live connection of an unpaired target.
type Registry interface {
	RemoveTarget(target string)
}

type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Workers int
}

// Result describes what happened to one raw event.
type Result struct {
	Event    model.NotificationEvent
	Decision filter.Decision
	Enqueued []string
	// Failed maps target IDs to the enqueue error of that target.
	Failed map[string]error
}

type Pipeline struct {
	intake *ingest.Intake
	norm   atomic.Pointer[ingest.Normalizer]
	filter Filter
	q      Queue
	disp   Dispatcher
	reg    Registry
	log    logx.Logger
	bus    eventbus.Bus
	opts   Options

	// mu serializes target set changes. Process holds it shared while
	// enqueueing so an unpaired target cannot get its queue back.
	mu      sync.RWMutex
	targets atomic.Pointer[[]Target]
}

func New(intake *ingest.Intake, norm *ingest.Normalizer, f Filter, q Queue, d Dispatcher, reg Registry, opts Options) *Pipeline {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	p := &Pipeline{intake: intake, filter: f, q: q, disp: d, reg: reg, log: opts.Log, bus: opts.Bus, opts: opts}
	p.norm.Store(norm)
	empty := []Target{}
	p.targets.Store(&empty)
	return p
}

// SetNormalizer swaps the normalizer used by subsequent events.
func (p *Pipeline) SetNormalizer(n *ingest.Normalizer) {
	if n != nil {
		p.norm.Store(n)
	}
}

// Normalize runs the current normalizer alone, for callers that validate a
// raw event before submitting it.
func (p *Pipeline) Normalize(raw ingest.RawEvent) (model.NotificationEvent, error) {
	return p.norm.Load().Normalize(raw)
}

// Targets returns the paired targets sorted by ID.
func (p *Pipeline) Targets() []Target {
	return append([]Target(nil), (*p.targets.Load())...)
}

// SetTargets replaces the paired target set. New targets get a dispatcher
// worker so persisted items resume; targets no longer listed are removed from
// the dispatcher, the queue and the registry, discarding their items.
func (p *Pipeline) SetTargets(ctx context.Context, targets []Target) (added, removed []string) {
	next := make([]Target, 0, len(targets))
	seen := map[string]bool{}
	for _, t := range targets {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if !t.MinPriority.Valid() {
			t.MinPriority = model.PriorityLow
		}
		next = append(next, t)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })

	p.mu.Lock()
	defer p.mu.Unlock()
	prev := map[string]bool{}
	for _, t := range *p.targets.Load() {
		prev[t.ID] = true
	}
	p.targets.Store(&next)

	for _, t := range next {
		if !prev[t.ID] {
			added = append(added, t.ID)
		}
		p.disp.Ensure(t.ID)
	}
	for id := range prev {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		p.removeLocked(ctx, id)
	}
	return added, removed
}

// RemoveTarget unpairs one target.
func (p *Pipeline) RemoveTarget(ctx context.Context, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.targets.Load()
	next := make([]Target, 0, len(cur))
	found := false
	for _, t := range cur {
		if t.ID == id {
			found = true
			continue
		}
		next = append(next, t)
	}
	if !found {
		return false
	}
	p.targets.Store(&next)
	p.removeLocked(ctx, id)
	return true
}

func (p *Pipeline) removeLocked(ctx context.Context, id string) {
	p.disp.Remove(id)
	n, err := p.q.RemoveTarget(ctx, id)
	if err != nil {
		p.log.Warn("target queue removal incomplete", logx.Target(id), logx.Err(err))
	}
	if p.reg != nil {
		p.reg.RemoveTarget(id)
	}
	p.log.Info("target removed", logx.Target(id), logx.Int("discarded", n))
}

// Run drains the intake with the configured number of workers until ctx ends
// or the intake is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pipeline) worker(ctx context.Context) {
	in := p.intake.C()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			_, _ = p.Process(ctx, raw)
		}
	}
}

// Process runs one raw event through the pipeline. Per-target enqueue
// failures are reported in the Result; the error is the normalizer's.
func (p *Pipeline) Process(ctx context.Context, raw ingest.RawEvent) (Result, error) {
	ev, err := p.norm.Load().Normalize(raw)
	if err != nil {
		p.log.Debug("event rejected", logx.String("platform", raw.Platform), logx.Err(err))
		eventbus.Publish(p.bus, eventbus.IngestMalformed, eventbus.IngestEvent{Platform: raw.Platform, Reason: err.Error()})
		return Result{}, err
	}
	eventbus.Publish(p.bus, eventbus.IngestAccepted, eventbus.IngestEvent{Platform: ev.Platform})

	d := p.filter.Evaluate(ev)
	for _, f := range d.Faults {
		p.log.Warn("filter rule fault", logx.String("event", ev.ID), logx.Err(f))
		var ee *filter.EvaluationError
		rule := ""
		if errors.As(f, &ee) {
			rule = ee.Rule
		}
		eventbus.Publish(p.bus, eventbus.FilterFault, eventbus.FilterEvent{Rule: rule, Error: f.Error()})
	}
	eventbus.Publish(p.bus, eventbus.FilterDecision, eventbus.FilterEvent{Action: string(d.Action), Rule: d.Rule})
	res := Result{Event: d.Event, Decision: d}
	if !d.Forward() {
		p.log.Debug("event blocked", logx.String("event", ev.ID), logx.String("app", ev.SourceApplication), logx.String("rule", d.Rule))
		return res, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range *p.targets.Load() {
		if d.Event.Priority < t.MinPriority {
			continue
		}
		it, err := p.q.Enqueue(ctx, t.ID, d.Event)
		switch {
		case err == nil:
			res.Enqueued = append(res.Enqueued, t.ID)
		case queue.IsDeadLetter(err):
			// Overflow: kept in dead-letter, the worker has nothing new.
			p.log.Warn("event dead-lettered on enqueue", logx.Target(t.ID), logx.Item(it.ID), logx.Err(err))
			continue
		default:
			if res.Failed == nil {
				res.Failed = map[string]error{}
			}
			res.Failed[t.ID] = err
			p.log.Error("enqueue failed", logx.Target(t.ID), logx.String("event", ev.ID), logx.Err(err))
			continue
		}
		p.disp.Ensure(t.ID)
	}
	return res, nil
}
