// Package logging constructs the slog loggers used across the agent and
// defines the shared attribute vocabulary for structured events.
package logging
