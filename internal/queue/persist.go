package queue

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"notifrelay/internal/model"
	"notifrelay/internal/storage"
	logx "notifrelay/pkg/logx"
)

const (
	prefixQueue = "q/"
	prefixDead  = "dl/"
)

func queueKey(target, item string) string {
	return prefixQueue + url.PathEscape(target) + "/" + item
}

func deadKey(target, item string) string {
	return prefixDead + url.PathEscape(target) + "/" + item
}

// parseKey splits "<prefix><target>/<item>".
func parseKey(key, prefix string) (target, item string, ok bool) {
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return "", "", false
	}
	t, i, found := strings.Cut(rest, "/")
	if !found || t == "" || i == "" {
		return "", "", false
	}
	target, err := url.PathUnescape(t)
	if err != nil {
		return "", "", false
	}
	return target, i, true
}

func (m *Manager) put(ctx context.Context, key string, it Item) error {
	b, err := json.Marshal(it)
	if err != nil {
		return err
	}
	ctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.Put(ctx, key, b)
}

func (m *Manager) del(ctx context.Context, key string) error {
	ctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.store.Delete(ctx, key)
}

// bestEffort logs storage failures on transitions whose in-memory effect
// must happen regardless.
func (m *Manager) bestEffort(err error, op string, it Item) {
	if err == nil {
		return
	}
	m.log.Error("queue storage write failed", logx.String("op", op), logx.Target(it.TargetID), logx.Item(it.ID), logx.Err(err))
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
}

// LoadReport summarizes a startup reload.
type LoadReport struct {
	Pending    int
	Dead       int
	Duplicates int
	Corrupt    int
}

// Load rebuilds in-memory state from storage. Items persisted as inflight
// are reset to pending with their attempt count unchanged. An item present in
// both the queue and the dead-letter prefix is kept as dead. Call Load before
// the queue is used.
func (m *Manager) Load(ctx context.Context) (LoadReport, error) {
	var rep LoadReport
	deadEntries, err := m.store.Scan(ctx, prefixDead)
	if err != nil {
		return rep, err
	}
	queued, err := m.store.Scan(ctx, prefixQueue)
	if err != nil {
		return rep, err
	}
	now := m.opts.Now()
	seen := map[string]bool{}

	decode := func(e storage.Entry, prefix string) (Item, bool) {
		target, id, ok := parseKey(e.Key, prefix)
		if !ok {
			rep.Corrupt++
			return Item{}, false
		}
		var it Item
		if err := json.Unmarshal(e.Value, &it); err != nil || it.Event.ID == "" {
			m.log.Warn("queue: skipping unreadable record", logx.String("key", e.Key), logx.Err(err))
			rep.Corrupt++
			return Item{}, false
		}
		it.ID, it.TargetID = id, target
		// JSON widens []string to []any and integers to float64.
		it.Event.Metadata, _ = model.SanitizeMetadata(it.Event.Metadata)
		model.ObserveSeq(it.Event.Seq)
		return it, true
	}

	for _, e := range deadEntries {
		it, ok := decode(e, prefixDead)
		if !ok {
			continue
		}
		if seen[it.ID] {
			rep.Duplicates++
			continue
		}
		seen[it.ID] = true
		it.State = StateDead
		if it.DeadAt.IsZero() {
			it.DeadAt = now
		}
		q := m.target(it.TargetID, true)
		q.mu.Lock()
		q.dead[it.ID] = it
		q.mu.Unlock()
		m.index(it.ID, it.TargetID)
		rep.Dead++
	}

	for _, e := range queued {
		it, ok := decode(e, prefixQueue)
		if !ok {
			continue
		}
		if seen[it.ID] {
			// Dead-lettering writes dl/ before deleting q/; finish the move.
			rep.Duplicates++
			m.bestEffort(m.store.Delete(ctx, e.Key), "load.dedupe", it)
			continue
		}
		seen[it.ID] = true
		q := m.target(it.TargetID, true)
		q.mu.Lock()
		ent := &entry{Item: it, heapIdx: -1}
		q.items[it.ID] = ent
		q.pushPending(ent, now)
		q.mu.Unlock()
		m.index(it.ID, it.TargetID)
		q.signal()
		rep.Pending++
	}
	m.log.Info("queue state loaded",
		logx.Int("pending", rep.Pending), logx.Int("dead", rep.Dead),
		logx.Int("duplicates", rep.Duplicates), logx.Int("corrupt", rep.Corrupt))
	return rep, nil
}
