// Package capture defines the monitor capture sources and the raw frame
// types that flow from them into the per-monitor pipelines.
//
// Two source variants exist: an event-driven backend built on the desktop
// portal ScreenCast interface, and a cross-platform polling backend. The
// factory picks whichever is available, and the orchestrator falls back to
// encoder-native capture when neither can start.
package capture
