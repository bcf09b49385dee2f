package capture

import (
	"context"
	"log/slog"
	"strings"
)

// Backend names a capture source implementation.
type Backend string

const (
	// BackendPortal is the event-driven desktop portal + PipeWire source.
	BackendPortal Backend = "portal"
	// BackendPolling is the cross-platform display polling source.
	BackendPolling Backend = "polling"
)

// FrameHandler receives each captured frame. The frame's payload is owned by
// the receiver; sources never touch it again after the call.
type FrameHandler func(RawFrame)

// MonitorSource produces a stream of raw frames for one monitor.
type MonitorSource interface {
	// Start begins frame delivery. It returns once the backend is confirmed
	// streaming, or a classified *Error.
	Start(ctx context.Context) error
	// Stop halts frame delivery and releases backend resources. Safe to call
	// more than once.
	Stop()
}

// Provider is one capture backend: it enumerates monitors and builds frame
// sources against the same backend session, so monitor IDs stay coherent
// between discovery and source construction.
type Provider interface {
	Backend() Backend
	Monitors(ctx context.Context) ([]MonitorInfo, error)
	NewSource(monitor MonitorInfo, fps int, handler FrameHandler) (MonitorSource, error)
	// Close releases any backend session held by the provider.
	Close()
}

// NewProvider returns the preferred available backend: the portal where a
// desktop session bus is reachable, otherwise display polling.
func NewProvider(logger *slog.Logger) Provider {
	if portal := newPortalProvider(logger); portal != nil {
		return portal
	}
	return newPollingProvider(logger)
}

// SelectMonitors filters discovered monitors against the configured
// allowlist. An empty allowlist keeps everything.
func SelectMonitors(monitors []MonitorInfo, allowlist []string) []MonitorInfo {
	if len(allowlist) == 0 {
		return monitors
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, id := range allowlist {
		allowed[strings.TrimSpace(id)] = struct{}{}
	}
	selected := make([]MonitorInfo, 0, len(monitors))
	for _, monitor := range monitors {
		if _, ok := allowed[monitor.ID]; ok {
			selected = append(selected, monitor)
		}
	}
	return selected
}
