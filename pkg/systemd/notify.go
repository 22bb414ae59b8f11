// Package systemd speaks the sd_notify protocol: readiness, status text,
// watchdog keepalives and stop notification. Every call is a no-op when the
// process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	enabled bool
}

// New returns a notifier. A disabled notifier never touches the socket.
func New(enabled bool) *Notifier { return &Notifier{enabled: enabled} }

func (n *Notifier) send(state string) (bool, error) {
	if n == nil || !n.enabled {
		return false, nil
	}
	return daemon.SdNotify(false, state)
}

// Ready reports startup completion.
func (n *Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

// Stopping reports that shutdown has begun.
func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

// Reloading brackets a config reload; call Ready when it is done.
func (n *Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) (bool, error) { return n.send("STATUS=" + text) }

// WatchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog until ctx ends. healthy gates each ping, so
// a wedged process stops pinging and systemd restarts it.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() error) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && healthy() != nil {
				continue
			}
			_, _ = n.send(daemon.SdNotifyWatchdog)
		}
	}
}
