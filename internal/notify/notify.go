// Package notify delivers best-effort desktop notifications. The core
// never branches on notification availability: callers hold a Notifier and
// fire into it, and an unavailable bus simply degrades to a no-op.
package notify

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	method     = "org.freedesktop.Notifications.Notify"
	appName    = "nsproxy"
	appIcon    = "network-vpn"
)

// Notifier sends a fire-and-forget notification. Implementations never
// block the caller for long and errors are advisory.
type Notifier interface {
	Notify(ctx context.Context, summary, body string) error
}

// Noop discards all notifications.
type Noop struct{}

// Notify implements [Notifier].
func (Noop) Notify(context.Context, string, string) error { return nil }

// Desktop sends notifications over the D-Bus session bus.
type Desktop struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewDesktop connects to the session bus. When the bus is unreachable
// (headless host, system service) it logs once and hands back a Noop so
// callers need no fallback logic of their own.
func NewDesktop(logger *slog.Logger) Notifier {
	conn, err := dbus.SessionBus()
	if err != nil {
		logger.Info("session bus unavailable, notifications disabled", "err", err)
		return Noop{}
	}
	return &Desktop{conn: conn, log: logger}
}

// Notify implements [Notifier] via org.freedesktop.Notifications.
func (d *Desktop) Notify(ctx context.Context, summary, body string) error {
	obj := d.conn.Object(busName, dbus.ObjectPath(objectPath))
	call := obj.CallWithContext(ctx, method, 0,
		appName,
		uint32(0), // no notification to replace
		appIcon,
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{},
		int32(-1), // server-default expiry
	)
	if call.Err != nil {
		d.log.Warn("notification delivery failed", "summary", summary, "err", call.Err)
		return call.Err
	}
	return nil
}

// Pick returns a Desktop notifier when enabled, otherwise Noop.
func Pick(enabled bool, logger *slog.Logger) Notifier {
	if !enabled {
		return Noop{}
	}
	return NewDesktop(logger)
}
