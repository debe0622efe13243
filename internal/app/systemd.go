package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "botfleet/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd for Type=notify units.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (n sdNotifier) ready()             { n.notify(daemon.SdNotifyReady) }
func (n sdNotifier) reloading()         { n.notify(daemon.SdNotifyReloading) }
func (n sdNotifier) stopping()          { n.notify(daemon.SdNotifyStopping) }
func (n sdNotifier) status(text string) { n.notify("STATUS=" + text) }

// watchdog pings systemd at half of WatchdogSec while healthy reports nil.
// It returns at once when the unit has no watchdog.
func (n sdNotifier) watchdog(ctx context.Context, healthy func() error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := healthy(); err != nil {
				n.log.Warn("skipping watchdog ping", logx.Err(err))
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
