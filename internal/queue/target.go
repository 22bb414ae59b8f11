package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// targetQueue holds one target's items. All fields are guarded by mu.
type targetQueue struct {
	id string

	mu       sync.Mutex
	items    map[string]*entry // pending + inflight
	ready    readyHeap
	delayed  delayedHeap
	inflight int
	dead     map[string]Item
	acked    map[string]time.Time
	removed  bool

	wake chan struct{}
}

func newTargetQueue(id string) *targetQueue {
	return &targetQueue{
		id:    id,
		items: map[string]*entry{},
		dead:  map[string]Item{},
		acked: map[string]time.Time{},
		wake:  make(chan struct{}, 1),
	}
}

func (q *targetQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pushPending inserts e as pending into the heap matching its eligibility.
func (q *targetQueue) pushPending(e *entry, now time.Time) {
	e.State = StatePending
	if e.NextEligibleAt.After(now) {
		heap.Push(&q.delayed, e)
		return
	}
	heap.Push(&q.ready, e)
}

func (q *targetQueue) unlink(e *entry) {
	switch e.where {
	case inReady:
		heap.Remove(&q.ready, e.heapIdx)
	case inDelayed:
		heap.Remove(&q.delayed, e.heapIdx)
	}
}

// releaseLease returns an inflight e to the pending state (outside any heap)
// and wakes its lease holder.
func (q *targetQueue) releaseLease(e *entry) {
	if e.State != StateInflight {
		return
	}
	q.inflight--
	e.State = StatePending
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// evictionVictim returns the pending entry to drop when the queue is full:
// lowest priority first, oldest among equals.
func (q *targetQueue) evictionVictim() *entry {
	var victim *entry
	for _, e := range q.items {
		if e.State != StatePending {
			continue
		}
		if victim == nil ||
			e.Event.Priority < victim.Event.Priority ||
			(e.Event.Priority == victim.Event.Priority && older(e, victim)) {
			victim = e
		}
	}
	return victim
}

func older(a, b *entry) bool {
	if !a.Event.CreatedAt.Equal(b.Event.CreatedAt) {
		return a.Event.CreatedAt.Before(b.Event.CreatedAt)
	}
	if a.Event.Seq != b.Event.Seq {
		return a.Event.Seq < b.Event.Seq
	}
	return a.ID < b.ID
}

func (q *targetQueue) stats() Stats {
	return Stats{
		Target:   q.id,
		Pending:  len(q.items) - q.inflight,
		Inflight: q.inflight,
		Delayed:  q.delayed.Len(),
		Dead:     len(q.dead),
		Acked:    len(q.acked),
	}
}

func (q *targetQueue) deadList(limit int) []Item {
	out := make([]Item, 0, len(q.dead))
	for _, it := range q.dead {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeadAt.Equal(out[j].DeadAt) {
			return out[i].DeadAt.After(out[j].DeadAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
