package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notifrelay/internal/eventbus"
	"notifrelay/internal/model"
	"notifrelay/internal/storage"
	logx "notifrelay/pkg/logx"
)

type Options struct {
	Store storage.KV
	Log   logx.Logger
	Bus   eventbus.Bus
	Now   func() time.Time
	// Rand feeds backoff jitter; values in [0,1).
	Rand func() float64
	// StoreTimeout bounds each storage call. 0 means 5s.
	StoreTimeout time.Duration
}

// Manager owns every target queue. Its own lock only guards the target map;
// item operations lock the owning target alone.
type Manager struct {
	opts  Options
	store storage.KV
	log   logx.Logger
	cfg   atomic.Pointer[Config]

	mu      sync.RWMutex
	targets map[string]*targetQueue
	// born is closed and replaced whenever a target queue is created.
	born    chan struct{}

	imu   sync.Mutex
	owner map[string]string // item id -> target id
}

func New(cfg Config, opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	m := &Manager{
		opts:    opts,
		store:   opts.Store,
		log:     opts.Log,
		targets: map[string]*targetQueue{},
		born:    make(chan struct{}),
		owner:   map[string]string{},
	}
	m.Apply(cfg)
	return m
}

// Apply swaps the queue policy. Existing items keep their attempt counts and
// schedules; the new limits apply from the next transition.
func (m *Manager) Apply(cfg Config) {
	c := cfg.withDefaults()
	m.cfg.Store(&c)
}

func (m *Manager) Config() Config { return *m.cfg.Load() }

func (m *Manager) target(id string, create bool) *targetQueue {
	m.mu.RLock()
	q := m.targets[id]
	m.mu.RUnlock()
	if q != nil || !create {
		return q
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q = m.targets[id]; q == nil {
		q = newTargetQueue(id)
		m.targets[id] = q
		close(m.born)
		m.born = make(chan struct{})
	}
	return q
}

func (m *Manager) index(item, target string) {
	m.imu.Lock()
	m.owner[item] = target
	m.imu.Unlock()
}

func (m *Manager) unindex(ids ...string) {
	m.imu.Lock()
	for _, id := range ids {
		delete(m.owner, id)
	}
	m.imu.Unlock()
}

func (m *Manager) lookup(item string) *targetQueue {
	m.imu.Lock()
	target, ok := m.owner[item]
	m.imu.Unlock()
	if !ok {
		return nil
	}
	return m.target(target, false)
}

// Enqueue durably records ev for target and makes it pending. When the queue
// is full the lowest-priority, oldest pending item is moved to dead-letter; if
// ev itself ranks lower than every pending item, or everything is inflight,
// ev is dead-lettered instead and a *DeadLetterError is returned together
// with the dead item. A storage failure rejects the event for this target.
func (m *Manager) Enqueue(ctx context.Context, target string, ev model.NotificationEvent) (Item, error) {
	if target == "" {
		return Item{}, ErrEmptyTarget
	}
	now := m.opts.Now()
	it := Item{
		ID:         model.NewID(),
		TargetID:   target,
		Event:      ev,
		State:      StatePending,
		EnqueuedAt: now,
	}
	q := m.target(target, true)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removed {
		return Item{}, ErrTargetRemoved
	}
	return m.admitLocked(ctx, q, it, now)
}

func (m *Manager) admitLocked(ctx context.Context, q *targetQueue, it Item, now time.Time) (Item, error) {
	cfg := m.Config()
	if len(q.items) >= cfg.MaxDepth {
		victim := q.evictionVictim()
		if victim == nil || it.Event.Priority < victim.Event.Priority {
			it.State = StateDead
			it.DeadAt = now
			it.DeadReason = ReasonEvicted
			if err := m.put(ctx, deadKey(q.id, it.ID), it); err != nil {
				return Item{}, fmt.Errorf("queue: persist dead-letter: %w", err)
			}
			q.dead[it.ID] = it
			m.index(it.ID, q.id)
			m.publishItem(eventbus.QueueDeadLettered, it, it.DeadReason)
			return it, &DeadLetterError{ItemID: it.ID, TargetID: q.id, Attempts: it.Attempt, Reason: it.DeadReason}
		}
	}
	if err := m.put(ctx, queueKey(q.id, it.ID), it); err != nil {
		return Item{}, fmt.Errorf("queue: persist item: %w", err)
	}
	for len(q.items) >= cfg.MaxDepth {
		victim := q.evictionVictim()
		if victim == nil {
			break
		}
		m.deadLetterLocked(ctx, q, victim, ReasonEvicted, now)
	}
	e := &entry{Item: it, heapIdx: -1}
	q.items[it.ID] = e
	q.pushPending(e, now)
	m.index(it.ID, q.id)
	q.signal()
	m.publishItem(eventbus.QueueEnqueued, it, "")
	return it, nil
}

func (m *Manager) deadLetterLocked(ctx context.Context, q *targetQueue, e *entry, reason string, now time.Time) Item {
	q.unlink(e)
	q.releaseLease(e)
	delete(q.items, e.ID)
	it := e.Item
	it.State = StateDead
	it.NextEligibleAt = time.Time{}
	it.DeadAt = now
	it.DeadReason = reason
	m.bestEffort(m.put(ctx, deadKey(q.id, it.ID), it), "deadletter.put", it)
	m.bestEffort(m.del(ctx, queueKey(q.id, it.ID)), "deadletter.delete", it)
	q.dead[it.ID] = it
	m.log.Warn("item dead-lettered", logx.Target(q.id), logx.Item(it.ID),
		logx.String("reason", reason), logx.Int("attempt", it.Attempt), logx.String("last_error", it.LastError))
	m.publishItem(eventbus.QueueDeadLettered, it, reason)
	return it
}

// DequeueNext leases the highest-ranked eligible pending item of target.
// It returns false when nothing is eligible; callers wait on Wake or NextWake.
func (m *Manager) DequeueNext(target string) (Lease, bool) {
	q := m.target(target, false)
	if q == nil {
		return Lease{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removed {
		return Lease{}, false
	}
	promote(&q.ready, &q.delayed, m.opts.Now())
	if q.ready.Len() == 0 {
		return Lease{}, false
	}
	e := heap.Pop(&q.ready).(*entry)
	e.State = StateInflight
	e.done = make(chan struct{})
	q.inflight++
	return Lease{Item: e.Item, done: e.done}, true
}

// Ack removes an inflight item. Acking an already acknowledged item is a
// no-op; any other state yields ErrNotInflight or ErrUnknownItem.
func (m *Manager) Ack(ctx context.Context, itemID string) error {
	q := m.lookup(itemID)
	if q == nil {
		return ErrUnknownItem
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.acked[itemID]; ok {
		return nil
	}
	e, ok := q.items[itemID]
	if !ok {
		if _, dead := q.dead[itemID]; dead {
			return ErrNotInflight
		}
		return ErrUnknownItem
	}
	if e.State != StateInflight {
		return ErrNotInflight
	}
	q.releaseLease(e)
	delete(q.items, itemID)
	q.acked[itemID] = m.opts.Now()
	m.bestEffort(m.del(ctx, queueKey(q.id, itemID)), "ack.delete", e.Item)
	it := e.Item
	it.State = StateAcknowledged
	m.publishItem(eventbus.QueueAcked, it, "")
	return nil
}

// Fail returns an inflight item to pending with attempt+1 and a backoff, or
// moves it to dead-letter once attempt reaches MaxAttempts (the returned
// error is then a *DeadLetterError). Items that are not inflight are left
// untouched and ErrNotInflight is returned, so concurrent failure signals for
// one delivery count once.
func (m *Manager) Fail(ctx context.Context, itemID, reason string) (Item, error) {
	q := m.lookup(itemID)
	if q == nil {
		return Item{}, ErrUnknownItem
	}
	cfg := m.Config()
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.items[itemID]
	if !ok {
		if _, acked := q.acked[itemID]; acked {
			return Item{}, ErrNotInflight
		}
		if _, dead := q.dead[itemID]; dead {
			return Item{}, ErrNotInflight
		}
		return Item{}, ErrUnknownItem
	}
	if e.State != StateInflight {
		return e.Item, ErrNotInflight
	}
	now := m.opts.Now()
	q.releaseLease(e)
	e.Attempt++
	e.LastError = reason
	if e.Attempt >= cfg.MaxAttempts {
		it := m.deadLetterLocked(ctx, q, e, ReasonExhausted, now)
		return it, &DeadLetterError{ItemID: it.ID, TargetID: q.id, Attempts: it.Attempt, Reason: ReasonExhausted}
	}
	e.NextEligibleAt = now.Add(cfg.Backoff.Delay(e.Attempt, m.opts.Rand))
	e.State = StatePending
	m.bestEffort(m.put(ctx, queueKey(q.id, e.ID), e.Item), "fail.put", e.Item)
	q.pushPending(e, now)
	q.signal()
	m.publishItem(eventbus.QueueRetry, e.Item, reason)
	return e.Item, nil
}

// Release returns an inflight item to pending without counting an attempt.
// Used when a worker stops before the delivery outcome is known.
func (m *Manager) Release(itemID string) error {
	q := m.lookup(itemID)
	if q == nil {
		return ErrUnknownItem
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.items[itemID]
	if !ok || e.State != StateInflight {
		return ErrNotInflight
	}
	q.releaseLease(e)
	q.pushPending(e, m.opts.Now())
	q.signal()
	return nil
}

// Item returns a snapshot of a known item. Acknowledged items are reported
// while their tombstone is retained.
func (m *Manager) Item(itemID string) (Item, bool) {
	q := m.lookup(itemID)
	if q == nil {
		return Item{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.items[itemID]; ok {
		return e.Item, true
	}
	if it, ok := q.dead[itemID]; ok {
		return it, true
	}
	if _, ok := q.acked[itemID]; ok {
		return Item{ID: itemID, TargetID: q.id, State: StateAcknowledged}, true
	}
	return Item{}, false
}

// Wake returns the target's signal channel. It receives after enqueue,
// retry scheduling, release and requeue; it has capacity one. For a target
// without a queue it returns a channel closed when any queue is created, and
// does not create one.
func (m *Manager) Wake(target string) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q := m.targets[target]; q != nil {
		return q.wake
	}
	return m.born
}

// NextWake reports the earliest backoff expiry of target.
func (m *Manager) NextWake(target string) (time.Time, bool) {
	q := m.target(target, false)
	if q == nil {
		return time.Time{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].NextEligibleAt, true
}

// DeadLetter lists target's dead items, newest first. limit <= 0 means all.
func (m *Manager) DeadLetter(target string, limit int) []Item {
	q := m.target(target, false)
	if q == nil {
		return []Item{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadList(limit)
}

// RequeueDeadLetter gives a dead item a fresh lifecycle: a new item id,
// attempt 0, immediately eligible. The returned item is the new one.
func (m *Manager) RequeueDeadLetter(ctx context.Context, itemID string) (Item, error) {
	q := m.lookup(itemID)
	if q == nil {
		return Item{}, ErrUnknownItem
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	old, ok := q.dead[itemID]
	if !ok {
		return Item{}, ErrNotDead
	}
	now := m.opts.Now()
	fresh := Item{
		ID:         model.NewID(),
		TargetID:   q.id,
		Event:      old.Event,
		State:      StatePending,
		EnqueuedAt: now,
	}
	it, err := m.admitLocked(ctx, q, fresh, now)
	if err != nil && !IsDeadLetter(err) {
		return Item{}, err
	}
	delete(q.dead, itemID)
	m.unindex(itemID)
	m.bestEffort(m.del(ctx, deadKey(q.id, itemID)), "requeue.delete", old)
	m.publishItem(eventbus.QueueRequeued, it, "requeued from "+itemID)
	return it, err
}

// PurgeDeadLetter discards target's dead items that died before olderThan.
// A zero olderThan purges all of them.
func (m *Manager) PurgeDeadLetter(ctx context.Context, target string, olderThan time.Time) int {
	q := m.target(target, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	var gone []Item
	for id, it := range q.dead {
		if olderThan.IsZero() || it.DeadAt.Before(olderThan) {
			gone = append(gone, it)
			delete(q.dead, id)
		}
	}
	q.mu.Unlock()
	ids := make([]string, 0, len(gone))
	for _, it := range gone {
		ids = append(ids, it.ID)
		m.bestEffort(m.del(ctx, deadKey(target, it.ID)), "purge.delete", it)
	}
	m.unindex(ids...)
	return len(gone)
}

// PruneAcked drops ack tombstones older than the configured retention.
func (m *Manager) PruneAcked(now time.Time) int {
	cutoff := now.Add(-m.Config().AckRetention)
	total := 0
	for _, q := range m.queues() {
		var ids []string
		q.mu.Lock()
		for id, at := range q.acked {
			if at.Before(cutoff) {
				delete(q.acked, id)
				ids = append(ids, id)
			}
		}
		q.mu.Unlock()
		m.unindex(ids...)
		total += len(ids)
	}
	return total
}

// RemoveTarget discards everything held for target: pending, inflight
// (their leases are closed), dead-letter and tombstones, in memory and in
// storage. It returns the number of discarded live items.
func (m *Manager) RemoveTarget(ctx context.Context, target string) (int, error) {
	m.mu.Lock()
	q := m.targets[target]
	delete(m.targets, target)
	m.mu.Unlock()

	var ids []string
	live := 0
	if q != nil {
		q.mu.Lock()
		q.removed = true
		for id, e := range q.items {
			q.releaseLease(e)
			ids = append(ids, id)
		}
		live = len(q.items)
		for id := range q.dead {
			ids = append(ids, id)
		}
		for id := range q.acked {
			ids = append(ids, id)
		}
		q.items, q.dead, q.acked = map[string]*entry{}, map[string]Item{}, map[string]time.Time{}
		q.ready, q.delayed = nil, nil
		q.mu.Unlock()
		m.unindex(ids...)
	}

	var errs []error
	for _, prefix := range []string{prefixQueue, prefixDead} {
		p := prefix + url.PathEscape(target) + "/"
		sctx, cancel := m.storeCtx(ctx)
		entries, err := m.store.Scan(sctx, p)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if err := m.del(ctx, e.Key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	eventbus.Publish(m.opts.Bus, eventbus.QueueTargetGone, eventbus.ItemEvent{Target: target, Reason: fmt.Sprintf("%d live items discarded", live)})
	return live, errors.Join(errs...)
}

// Depth is pending plus inflight for target.
func (m *Manager) Depth(target string) int {
	st, _ := m.Stats(target)
	return st.Depth()
}

func (m *Manager) Stats(target string) (Stats, bool) {
	q := m.target(target, false)
	if q == nil {
		return Stats{Target: target}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats(), true
}

// AllStats returns one snapshot per known target, sorted by target.
func (m *Manager) AllStats() []Stats {
	qs := m.queues()
	out := make([]Stats, 0, len(qs))
	for _, q := range qs {
		q.mu.Lock()
		out = append(out, q.stats())
		q.mu.Unlock()
	}
	return out
}

// Targets lists targets that currently have a queue.
func (m *Manager) Targets() []string {
	qs := m.queues()
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.id
	}
	return out
}

func (m *Manager) queues() []*targetQueue {
	m.mu.RLock()
	out := make([]*targetQueue, 0, len(m.targets))
	for _, q := range m.targets {
		out = append(out, q)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) publishItem(topic string, it Item, reason string) {
	eventbus.Publish(m.opts.Bus, topic, eventbus.ItemEvent{
		Target:   it.TargetID,
		ItemID:   it.ID,
		EventID:  it.Event.ID,
		Priority: it.Event.Priority.String(),
		Attempt:  it.Attempt,
		Reason:   reason,
	})
}
