package queue

import (
	"container/heap"
	"time"
)

type heapKind uint8

const (
	inNone heapKind = iota
	inReady
	inDelayed
)

// entry is the in-memory node for a live item. heapIdx is its index in the
// heap named by where; inflight entries are in neither.
type entry struct {
	Item
	where   heapKind
	heapIdx int
	done    chan struct{}
}

// rankBefore orders pending items for dequeue.
func rankBefore(a, b *entry) bool {
	if a.Event.Priority != b.Event.Priority || !a.Event.CreatedAt.Equal(b.Event.CreatedAt) || a.Event.Seq != b.Event.Seq {
		return a.Event.Before(b.Event)
	}
	return a.ID < b.ID
}

type readyHeap []*entry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return rankBefore(h[i], h[j]) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.where = inReady
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.where = inNone
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].NextEligibleAt.Equal(h[j].NextEligibleAt) {
		return h[i].NextEligibleAt.Before(h[j].NextEligibleAt)
	}
	return rankBefore(h[i], h[j])
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.where = inDelayed
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.where = inNone
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// promote moves every delayed entry that is due at now into the ready heap.
func promote(ready *readyHeap, delayed *delayedHeap, now time.Time) {
	for delayed.Len() > 0 && !(*delayed)[0].NextEligibleAt.After(now) {
		e := heap.Pop(delayed).(*entry)
		heap.Push(ready, e)
	}
}
