//go:build !linux

package capture

import "log/slog"

// The desktop portal backend is Linux-only. Other platforms always fall
// through to display polling.
func newPortalProvider(_ *slog.Logger) Provider { return nil }
