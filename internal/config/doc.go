// Package config loads, normalizes, and validates the agent configuration
// from TOML, applying RETRACE_* environment overrides on top.
package config
