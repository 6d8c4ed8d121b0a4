package connectivity

import (
	"context"
	"log/slog"
	"slices"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

const DefaultNetWatchInterval = 5 * time.Second

// Notifier receives network up/down hints.
type Notifier interface {
	NotifyOnline()
	NotifyOffline()
}

// NetWatcher polls the host's network interfaces and reports transitions.
// It is the daemon's equivalent of a browser's online/offline events.
type NetWatcher struct {
	interval time.Duration
	notifier Notifier
	list     func(ctx context.Context) (psnet.InterfaceStatList, error)
}

func NewNetWatcher(notifier Notifier, interval time.Duration) *NetWatcher {
	if interval <= 0 {
		interval = DefaultNetWatchInterval
	}
	return &NetWatcher{
		interval: interval,
		notifier: notifier,
		list:     psnet.InterfacesWithContext,
	}
}

// Run blocks until ctx is done.
func (w *NetWatcher) Run(ctx context.Context) {
	var known, up bool

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			ifaces, err := w.list(ctx)
			if err != nil {
				slog.Debug("netwatch list interfaces", "error", err)
				timer.Reset(w.interval)
				continue
			}

			now := HasUsableInterface(ifaces)
			if !known || now != up {
				known, up = true, now
				if up {
					w.notifier.NotifyOnline()
				} else {
					w.notifier.NotifyOffline()
				}
			}
			timer.Reset(w.interval)
		}
	}
}

// HasUsableInterface reports whether any non-loopback interface is up with an address.
func HasUsableInterface(ifaces psnet.InterfaceStatList) bool {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}
