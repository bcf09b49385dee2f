package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	BufferDir string `toml:"buffer_dir"`
	ChunkDir  string `toml:"chunk_dir"`
	LogDir    string `toml:"log_dir"`
}

// Server contains the upload collaborator endpoint settings.
type Server struct {
	BaseURL           string `toml:"base_url"`
	APIToken          string `toml:"api_token"`
	RequestTimeout    int    `toml:"request_timeout"`
	HeartbeatInterval int    `toml:"heartbeat_interval"`
}

// Video contains screen capture and encoder settings.
type Video struct {
	Mode                 string   `toml:"mode"`
	FPS                  int      `toml:"fps"`
	ChunkDuration        int      `toml:"chunk_duration"`
	Quality              int      `toml:"quality"`
	Encoder              string   `toml:"encoder"`
	NativeInput          string   `toml:"native_input"`
	Monitors             []string `toml:"monitors"`
	QueueMaxSize         int      `toml:"queue_max_size"`
	BackendMaxRetries    int      `toml:"backend_max_retries"`
	BackendRetryBackoff  int      `toml:"backend_retry_backoff"`
	PermissionBackoff    int      `toml:"permission_backoff"`
	WriteWarnMillis      int      `toml:"write_warn_millis"`
	KeepaliveSeconds     int      `toml:"keepalive_seconds"`
	StallTimeoutSeconds  int      `toml:"stall_timeout_seconds"`
	TopologyPollSeconds  int      `toml:"topology_poll_seconds"`
	RecoveryProbeSeconds int      `toml:"recovery_probe_seconds"`
	MinFreeSpaceGiB      int      `toml:"min_free_space_gib"`
}

// Audio contains audio capture settings.
type Audio struct {
	Enabled       bool     `toml:"enabled"`
	Devices       []string `toml:"devices"`
	ChunkDuration int      `toml:"chunk_duration"`
	SampleRate    int      `toml:"sample_rate"`
	Channels      int      `toml:"channels"`
}

// Buffer contains durable upload buffer settings.
type Buffer struct {
	MaxSizeGiB      int `toml:"max_size_gib"`
	TTLDays         int `toml:"ttl_days"`
	CleanupInterval int `toml:"cleanup_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for the agent.
//
// Sections by subsystem:
//   - Paths: buffer, chunk, and log directories
//   - Server: upload endpoint and heartbeat cadence
//   - Video: capture backend, encoder, and pipeline tuning
//   - Audio: capture devices and segment rotation
//   - Buffer: durable queue capacity, TTL, and maintenance cadence
//   - Logging: log format, level, and retention
type Config struct {
	Paths   Paths   `toml:"paths"`
	Server  Server  `toml:"server"`
	Video   Video   `toml:"video"`
	Audio   Audio   `toml:"audio"`
	Buffer  Buffer  `toml:"buffer"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the default config file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/retrace/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized, with environment
// overrides applied.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	projectPath, err := filepath.Abs("retrace.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the agent needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.BufferDir, c.Paths.ChunkDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the encoder executable name.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
