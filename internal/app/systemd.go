package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tumbler/pkg/logx"
)

// notifier wraps sd_notify; outside systemd every call is a no-op.
type notifier struct {
	log  logx.Logger
	send func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{log: log, send: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
}

func (n *notifier) notify(state string) {
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *notifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n *notifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func (n *notifier) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
