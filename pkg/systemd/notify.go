// Package systemd reports service state to systemd through sd_notify. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "streamframes/pkg/logx"
)

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Ready tells systemd startup finished (Type=notify units).
func Ready(log logx.Logger) { notify(log, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, text string) { notify(log, "STATUS="+text) }

// Watchdog pings the watchdog at half of WatchdogSec until ctx is done.
// It returns at once when the unit has no watchdog.
func Watchdog(ctx context.Context, log logx.Logger) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
