//go:build !linux

package video

import (
	"context"
	"log/slog"
)

// Display hotplug events come from udev, which is Linux-only; elsewhere the
// topology poll is the only trigger.
type hotplugMonitor struct{}

func newHotplugMonitor(_ *slog.Logger, _ func()) *hotplugMonitor { return nil }

func (m *hotplugMonitor) Start(context.Context) {}
func (m *hotplugMonitor) Stop()                 {}
