// Package alert turns relay lifecycle signals that need an operator, such as
// dead-lettered deliveries, into rate-limited messages for an external sender.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifrelay/internal/eventbus"
	logx "notifrelay/pkg/logx"
)

// Sender delivers one alert text. It matches logx.Alerter so one sender
// serves both log records and relay alerts.
type Sender interface {
	Alert(ctx context.Context, text string) error
}

type Config struct {
	// RatePerMin bounds alert messages. Suppressed alerts are summarized in
	// the next message that gets through.
	RatePerMin  int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Notifier struct {
	bus eventbus.Bus
	log logx.Logger

	mu         sync.Mutex
	cfg        Config
	sender     Sender
	limiter    *rate.Limiter
	suppressed int
}

func New(cfg Config, bus eventbus.Bus, sender Sender, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{bus: bus, log: log, sender: sender}
	n.Apply(cfg, sender)
	return n
}

// Apply swaps config and sender. A nil sender silences alerts.
func (n *Notifier) Apply(cfg Config, sender Sender) {
	cfg = cfg.withDefaults()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
	n.sender = sender
	lim := rate.Limit(float64(cfg.RatePerMin) / 60)
	if n.limiter == nil {
		n.limiter = rate.NewLimiter(lim, min(cfg.RatePerMin, 5))
		return
	}
	n.limiter.SetLimit(lim)
	n.limiter.SetBurst(min(cfg.RatePerMin, 5))
}

// Run consumes bus events until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	ch, unsub := n.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if text := Format(e); text != "" {
				n.send(ctx, text)
			}
		}
	}
}

func (n *Notifier) send(ctx context.Context, text string) {
	n.mu.Lock()
	sender, lim, cfg := n.sender, n.limiter, n.cfg
	if sender == nil {
		n.mu.Unlock()
		return
	}
	if !lim.Allow() {
		n.suppressed++
		n.mu.Unlock()
		return
	}
	if n.suppressed > 0 {
		text = fmt.Sprintf("%s\n(+%d alerts suppressed)", text, n.suppressed)
		n.suppressed = 0
	}
	n.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := sender.Alert(sctx, text); err != nil {
		n.log.Debug("alert send failed", logx.Err(err))
	}
}

// Format renders the events that warrant an operator alert; others map to "".
func Format(e eventbus.Event) string {
	switch e.Type {
	case eventbus.QueueDeadLettered:
		it, ok := e.Data.(eventbus.ItemEvent)
		if !ok {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "notifrelay: delivery to %s dead-lettered\nitem %s", it.Target, it.ItemID)
		if it.Priority != "" {
			fmt.Fprintf(&b, " (%s)", it.Priority)
		}
		fmt.Fprintf(&b, "\nattempts %d, reason: %s", it.Attempt, it.Reason)
		return b.String()
	case eventbus.FilterFault:
		f, ok := e.Data.(eventbus.FilterEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("notifrelay: filter rule %q failed: %s", f.Rule, f.Error)
	default:
		return ""
	}
}
