package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultNormalizesAndValidates(t *testing.T) {
	cfg := Default()
	cfg.applyEnvOverrides()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !filepath.IsAbs(cfg.Paths.BufferDir) {
		t.Fatalf("expected absolute buffer dir, got %q", cfg.Paths.BufferDir)
	}
	if cfg.Video.QueueMaxSize != 64 {
		t.Fatalf("expected default queue size 64, got %d", cfg.Video.QueueMaxSize)
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[server]",
		`base_url = "https://recall.example.com/"`,
		"[video]",
		`mode = "video"`,
		"fps = 5",
		"[buffer]",
		"max_size_gib = 20",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved == "" {
		t.Fatalf("expected config to exist at %q", resolved)
	}
	if cfg.Server.BaseURL != "https://recall.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Server.BaseURL)
	}
	if cfg.Video.Mode != "video" || cfg.Video.FPS != 5 {
		t.Fatalf("unexpected video config: %+v", cfg.Video)
	}
	if cfg.Buffer.MaxSizeGiB != 20 {
		t.Fatalf("expected buffer ceiling 20, got %d", cfg.Buffer.MaxSizeGiB)
	}
	// Untouched sections fall back to defaults.
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[video]\nmode = \"timelapse\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid video.mode")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RETRACE_RECORDING_MODE", "screenshot")
	t.Setenv("RETRACE_MONITORS", "display-1, display-2")
	t.Setenv("RETRACE_BUFFER_TTL_DAYS", "3")
	t.Setenv("RETRACE_FPS", "not-a-number")

	cfg := Default()
	cfg.applyEnvOverrides()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}

	if cfg.Video.Mode != "screenshot" {
		t.Fatalf("expected mode override, got %q", cfg.Video.Mode)
	}
	if len(cfg.Video.Monitors) != 2 || cfg.Video.Monitors[1] != "display-2" {
		t.Fatalf("unexpected monitors: %v", cfg.Video.Monitors)
	}
	if cfg.Buffer.TTLDays != 3 {
		t.Fatalf("expected ttl override, got %d", cfg.Buffer.TTLDays)
	}
	if cfg.Video.FPS != defaultVideoFPS {
		t.Fatalf("malformed int override should be ignored, got %d", cfg.Video.FPS)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[server]") {
		t.Fatal("sample config missing server section")
	}
}
