// Package systemd reports service readiness and liveness to systemd via
// sd_notify. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify states. The zero value is ready to use.
type Notifier struct {
	// send is daemon.SdNotify; swapped in tests.
	send func(unsetEnv bool, state string) (bool, error)
	// watchdog is daemon.SdWatchdogEnabled; swapped in tests.
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func (n *Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(false, state)
	}
	return daemon.SdNotify(false, state)
}

// Ready reports READY=1. It returns false when not running under systemd.
func (n *Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) (bool, error) { return n.notify("STATUS=" + msg) }

// WatchdogInterval returns the configured WatchdogSec, or 0 when the
// watchdog is disabled for this process.
func (n *Notifier) WatchdogInterval() time.Duration {
	fn := n.watchdog
	if fn == nil {
		fn = daemon.SdWatchdogEnabled
	}
	d, err := fn(false)
	if err != nil {
		return 0
	}
	return d
}

// RunWatchdog pings WATCHDOG=1 at half the configured interval while
// healthy reports true. It returns when ctx is done or immediately when
// the watchdog is disabled.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	iv := n.WatchdogInterval()
	if iv <= 0 {
		return nil
	}
	tk := time.NewTicker(iv / 2)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
