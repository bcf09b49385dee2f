// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"retrace/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Audio capture and the server endpoint are disabled so tests never touch
// real devices or the network.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.BufferDir = filepath.Join(base, "buffer")
	cfg.Paths.ChunkDir = filepath.Join(base, "chunks")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Audio.Enabled = false
	cfg.Server.BaseURL = "http://127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithAudioEnabled turns audio capture on for the test config.
func WithAudioEnabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Audio.Enabled = true
	}
}

// WithMonitors sets the monitor allowlist on the test config.
func WithMonitors(ids ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Video.Monitors = ids
	}
}
