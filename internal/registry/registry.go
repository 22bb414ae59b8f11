// Package registry tracks the live connection of each paired device.
//
// Every target has its own slot and lock; inbound traffic for one device
// never contends with another. A target holds at most one connection: a newer
// registration evicts and closes the older one.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notifrelay/internal/eventbus"
	"notifrelay/internal/transport"
	logx "notifrelay/pkg/logx"
)

var (
	ErrEmptyTarget = errors.New("registry: empty target id")
	ErrNilHandle   = errors.New("registry: nil connection handle")
)

const DefaultHeartbeatTimeout = 60 * time.Second

// Reason explains why a connection left the registry.
type Reason string

const (
	ReasonReplaced         Reason = "replaced"
	ReasonUnregistered     Reason = "unregistered"
	ReasonHeartbeatTimeout Reason = "heartbeat_timeout"
	ReasonTargetRemoved    Reason = "target_removed"
)

// Record is one live connection.
type Record struct {
	TargetID        string         `json:"target_id"`
	ConnID          uint64         `json:"conn_id"`
	Handle          transport.Conn `json:"-"`
	RemoteAddr      string         `json:"remote_addr,omitempty"`
	ConnectedAt     time.Time      `json:"connected_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	Authenticated   bool           `json:"authenticated"`
}

// Observer is told about every connection that leaves the registry.
// It runs outside registry locks and must not block.
type Observer func(target string, connID uint64, reason Reason)

type Config struct {
	HeartbeatTimeout time.Duration
	// SweepInterval is how often Run checks heartbeats. 0 means a quarter of
	// HeartbeatTimeout, at least one second.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = max(c.HeartbeatTimeout/4, time.Second)
	}
	return c
}

type slot struct {
	mu      sync.Mutex
	rec     *Record
	changed chan struct{}
}

// bumpLocked wakes every watcher of this slot.
func (s *slot) bumpLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

type Options struct {
	Log logx.Logger
	Bus eventbus.Bus
	Now func() time.Time
}

type Registry struct {
	cfg  atomic.Pointer[Config]
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
	seq  atomic.Uint64
	mu   sync.RWMutex
	slot map[string]*slot

	omu       sync.RWMutex
	observers []Observer
}

func New(cfg Config, opts Options) *Registry {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{log: opts.Log, bus: opts.Bus, now: opts.Now, slot: map[string]*slot{}}
	r.Apply(cfg)
	return r
}

func (r *Registry) Apply(cfg Config) {
	c := cfg.withDefaults()
	r.cfg.Store(&c)
}

func (r *Registry) Config() Config { return *r.cfg.Load() }

// Observe adds an observer for disconnects.
func (r *Registry) Observe(o Observer) {
	if o == nil {
		return
	}
	r.omu.Lock()
	r.observers = append(r.observers, o)
	r.omu.Unlock()
}

func (r *Registry) get(target string, create bool) *slot {
	r.mu.RLock()
	s := r.slot[target]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.slot[target]; s == nil {
		s = &slot{changed: make(chan struct{})}
		r.slot[target] = s
	}
	return s
}

// Register installs h as target's connection and returns its record. A
// previous connection is closed and reported to observers as replaced.
func (r *Registry) Register(target string, h transport.Conn, authenticated bool) (Record, error) {
	if target == "" {
		return Record{}, ErrEmptyTarget
	}
	if h == nil {
		return Record{}, ErrNilHandle
	}
	now := r.now()
	rec := &Record{
		TargetID:        target,
		ConnID:          r.seq.Add(1),
		Handle:          h,
		RemoteAddr:      h.RemoteAddr(),
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Authenticated:   authenticated,
	}
	s := r.get(target, true)
	s.mu.Lock()
	old := s.rec
	s.rec = rec
	s.bumpLocked()
	s.mu.Unlock()

	if old != nil {
		r.dropped(old, ReasonReplaced)
	}
	r.log.Info("device connected", logx.Target(target), logx.Uint64("conn", rec.ConnID), logx.String("remote", rec.RemoteAddr))
	eventbus.Publish(r.bus, eventbus.RegistryConnected, eventbus.ConnEvent{Target: target, ConnID: rec.ConnID})
	return *rec, nil
}

// SetAuthenticated flips the authentication state of a specific connection.
func (r *Registry) SetAuthenticated(target string, connID uint64, ok bool) bool {
	s := r.get(target, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.rec.ConnID != connID {
		return false
	}
	if s.rec.Authenticated != ok {
		s.rec.Authenticated = ok
		s.bumpLocked()
	}
	return true
}

// Unregister removes target's connection, whichever it is.
func (r *Registry) Unregister(target string) bool {
	return r.remove(target, 0, ReasonUnregistered)
}

// UnregisterConn removes target's connection only if it is still connID.
// Stale connections that were already replaced are ignored.
func (r *Registry) UnregisterConn(target string, connID uint64, reason Reason) bool {
	if connID == 0 {
		return false
	}
	return r.remove(target, connID, reason)
}

func (r *Registry) remove(target string, connID uint64, reason Reason) bool {
	s := r.get(target, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	old := s.rec
	if old == nil || (connID != 0 && old.ConnID != connID) {
		s.mu.Unlock()
		return false
	}
	s.rec = nil
	s.bumpLocked()
	s.mu.Unlock()
	r.dropped(old, reason)
	return true
}

// RemoveTarget drops the connection and the slot of an unpaired target.
func (r *Registry) RemoveTarget(target string) {
	r.remove(target, 0, ReasonTargetRemoved)
	r.mu.Lock()
	delete(r.slot, target)
	r.mu.Unlock()
}

func (r *Registry) dropped(rec *Record, reason Reason) {
	_ = rec.Handle.Close()
	r.log.Info("device disconnected", logx.Target(rec.TargetID), logx.Uint64("conn", rec.ConnID), logx.String("reason", string(reason)))
	eventbus.Publish(r.bus, eventbus.RegistryDisconnected, eventbus.ConnEvent{Target: rec.TargetID, ConnID: rec.ConnID, Reason: string(reason)})
	r.omu.RLock()
	obs := append([]Observer(nil), r.observers...)
	r.omu.RUnlock()
	for _, o := range obs {
		o(rec.TargetID, rec.ConnID, reason)
	}
}

// IsConnected reports whether target has an authenticated connection.
func (r *Registry) IsConnected(target string) bool {
	_, ok := r.Current(target)
	return ok
}

// Current returns target's authenticated connection.
func (r *Registry) Current(target string) (Record, bool) {
	s := r.get(target, false)
	if s == nil {
		return Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || !s.rec.Authenticated {
		return Record{}, false
	}
	return *s.rec, true
}

// RecordHeartbeat refreshes target's current connection.
func (r *Registry) RecordHeartbeat(target string) bool {
	return r.touch(target, 0)
}

// Touch refreshes the heartbeat of a specific connection.
func (r *Registry) Touch(target string, connID uint64) bool {
	if connID == 0 {
		return false
	}
	return r.touch(target, connID)
}

func (r *Registry) touch(target string, connID uint64) bool {
	s := r.get(target, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || (connID != 0 && s.rec.ConnID != connID) {
		return false
	}
	s.rec.LastHeartbeatAt = r.now()
	return true
}

// Watch returns a channel closed on the next change of target's slot
// (register, unregister, auth change).
func (r *Registry) Watch(target string) <-chan struct{} {
	s := r.get(target, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Sweep unregisters connections whose last heartbeat is older than the
// timeout and returns the affected targets.
func (r *Registry) Sweep(now time.Time) []string {
	timeout := r.Config().HeartbeatTimeout
	r.mu.RLock()
	targets := make([]string, 0, len(r.slot))
	slots := make([]*slot, 0, len(r.slot))
	for t, s := range r.slot {
		targets = append(targets, t)
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	var expired []string
	for i, s := range slots {
		s.mu.Lock()
		rec := s.rec
		stale := rec != nil && now.Sub(rec.LastHeartbeatAt) > timeout
		if stale {
			s.rec = nil
			s.bumpLocked()
		}
		s.mu.Unlock()
		if stale {
			r.dropped(rec, ReasonHeartbeatTimeout)
			expired = append(expired, targets[i])
		}
	}
	sort.Strings(expired)
	return expired
}

// Run sweeps until ctx ends. The interval is re-read after each sweep so
// config changes apply without a restart.
func (r *Registry) Run(ctx context.Context) error {
	for {
		t := time.NewTimer(r.Config().SweepInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			if gone := r.Sweep(r.now()); len(gone) > 0 {
				r.log.Warn("heartbeat timeout", logx.Any("targets", gone))
			}
		}
	}
}

// Snapshot lists live connections sorted by target.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.slot))
	for _, s := range r.slot {
		slots = append(slots, s)
	}
	r.mu.RUnlock()
	out := make([]Record, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.rec != nil {
			out = append(out, *s.rec)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}
