package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "imgdraw/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// sdNotify reports state to systemd. Outside a Type=notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the WatchdogSec interval until ctx is done.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
