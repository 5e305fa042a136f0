// Package systemd speaks the sd_notify protocol when running under a
// systemd unit with Type=notify. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state strings. It is swapped in tests.
var Notifier = daemon.SdNotify

func notify(state string) (bool, error) { return Notifier(false, state) }

// Ready reports startup complete.
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

// Stopping reports shutdown began.
func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

// Reloading reports a configuration reload; call Ready when it is applied.
func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return notify("STATUS=" + s) }

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx ends. It returns immediately when no watchdog is configured.
// healthy gates each ping; a nil func always pings.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return watchdogLoop(ctx, interval/2, healthy)
}

func watchdogLoop(ctx context.Context, every time.Duration, healthy func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
