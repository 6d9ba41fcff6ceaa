package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"livenudge/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Outside a unit
// (NOTIFY_SOCKET unset) every call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog returns the unit's WatchdogSec, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// RunWatchdog pings at half the watchdog interval while healthy returns nil.
// It returns at once when the unit has no watchdog.
func (n *sdNotifier) RunWatchdog(ctx context.Context, healthy func() error) {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("sd watchdog lookup failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					n.log.Warn("skipping watchdog ping", logx.Err(err))
					continue
				}
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
