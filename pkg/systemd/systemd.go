// Package systemd reports service state to the systemd manager over sd_notify.
// Every call is a no-op when the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd that startup finished (Type=notify units).
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells systemd that shutdown began.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by `systemctl status`.
func Status(format string, args ...any) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// WatchdogInterval returns the keep-alive period to use, or 0 when WatchdogSec is not set
// for this unit. It pings at half the configured timeout.
func WatchdogInterval() (time.Duration, error) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0, err
	}
	return d / 2, nil
}

// Watchdog pings systemd every interval until ctx ends. healthy is consulted before each
// ping; a false result skips the ping so systemd restarts a wedged process.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
