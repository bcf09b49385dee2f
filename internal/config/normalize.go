package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeVideo()
	c.normalizeAudio()
	c.normalizeBuffer()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.BufferDir, err = expandPath(c.Paths.BufferDir); err != nil {
		return fmt.Errorf("paths.buffer_dir: %w", err)
	}
	if c.Paths.ChunkDir, err = expandPath(c.Paths.ChunkDir); err != nil {
		return fmt.Errorf("paths.chunk_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaultServerBaseURL
	}
	c.Server.APIToken = strings.TrimSpace(c.Server.APIToken)
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = defaultRequestTimeout
	}
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = defaultHeartbeatInterval
	}
}

func (c *Config) normalizeVideo() {
	c.Video.Mode = strings.ToLower(strings.TrimSpace(c.Video.Mode))
	if c.Video.Mode == "" {
		c.Video.Mode = defaultVideoMode
	}
	c.Video.Encoder = strings.TrimSpace(c.Video.Encoder)
	if c.Video.Encoder == "" {
		c.Video.Encoder = defaultVideoEncoder
	}
	if c.Video.FPS <= 0 {
		c.Video.FPS = defaultVideoFPS
	}
	if c.Video.ChunkDuration <= 0 {
		c.Video.ChunkDuration = defaultVideoChunkDuration
	}
	if c.Video.Quality <= 0 {
		c.Video.Quality = defaultVideoQuality
	}
	if c.Video.QueueMaxSize <= 0 {
		c.Video.QueueMaxSize = defaultQueueMaxSize
	}
	if c.Video.BackendMaxRetries <= 0 {
		c.Video.BackendMaxRetries = defaultBackendMaxRetries
	}
	if c.Video.BackendRetryBackoff <= 0 {
		c.Video.BackendRetryBackoff = defaultBackendRetryBackoff
	}
	if c.Video.PermissionBackoff <= 0 {
		c.Video.PermissionBackoff = defaultPermissionBackoff
	}
	if c.Video.WriteWarnMillis <= 0 {
		c.Video.WriteWarnMillis = defaultWriteWarnMillis
	}
	if c.Video.KeepaliveSeconds <= 0 {
		c.Video.KeepaliveSeconds = defaultKeepaliveSeconds
	}
	if c.Video.StallTimeoutSeconds <= 0 {
		c.Video.StallTimeoutSeconds = defaultStallTimeout
	}
	if c.Video.TopologyPollSeconds <= 0 {
		c.Video.TopologyPollSeconds = defaultTopologyPoll
	}
	if c.Video.RecoveryProbeSeconds <= 0 {
		c.Video.RecoveryProbeSeconds = defaultRecoveryProbe
	}
	if c.Video.MinFreeSpaceGiB <= 0 {
		c.Video.MinFreeSpaceGiB = defaultMinFreeSpaceGiB
	}
	for i, monitor := range c.Video.Monitors {
		c.Video.Monitors[i] = strings.TrimSpace(monitor)
	}
}

func (c *Config) normalizeAudio() {
	if c.Audio.ChunkDuration <= 0 {
		c.Audio.ChunkDuration = defaultAudioChunkDuration
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = defaultAudioSampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = defaultAudioChannels
	}
}

func (c *Config) normalizeBuffer() {
	if c.Buffer.MaxSizeGiB <= 0 {
		c.Buffer.MaxSizeGiB = defaultBufferMaxGiB
	}
	if c.Buffer.TTLDays <= 0 {
		c.Buffer.TTLDays = defaultBufferTTLDays
	}
	if c.Buffer.CleanupInterval <= 0 {
		c.Buffer.CleanupInterval = defaultCleanupInterval
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}

// applyEnvOverrides layers RETRACE_* environment variables on top of the
// parsed file. Only the documented runtime knobs are exposed this way.
func (c *Config) applyEnvOverrides() {
	if v, ok := lookupEnv("RETRACE_SERVER_URL"); ok {
		c.Server.BaseURL = v
	}
	if v, ok := lookupEnv("RETRACE_API_TOKEN"); ok {
		c.Server.APIToken = v
	}
	if v, ok := lookupEnv("RETRACE_RECORDING_MODE"); ok {
		c.Video.Mode = v
	}
	if v, ok := lookupEnv("RETRACE_NATIVE_INPUT"); ok {
		c.Video.NativeInput = v
	}
	if v, ok := lookupEnv("RETRACE_MONITORS"); ok {
		parts := strings.Split(v, ",")
		monitors := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				monitors = append(monitors, trimmed)
			}
		}
		c.Video.Monitors = monitors
	}
	if v, ok := lookupEnvInt("RETRACE_FPS"); ok {
		c.Video.FPS = v
	}
	if v, ok := lookupEnvInt("RETRACE_CHUNK_DURATION"); ok {
		c.Video.ChunkDuration = v
	}
	if v, ok := lookupEnvInt("RETRACE_VIDEO_QUALITY"); ok {
		c.Video.Quality = v
	}
	if v, ok := lookupEnvInt("RETRACE_BACKEND_MAX_RETRIES"); ok {
		c.Video.BackendMaxRetries = v
	}
	if v, ok := lookupEnvInt("RETRACE_BACKEND_RETRY_BACKOFF"); ok {
		c.Video.BackendRetryBackoff = v
	}
	if v, ok := lookupEnvInt("RETRACE_WRITE_WARN_MILLIS"); ok {
		c.Video.WriteWarnMillis = v
	}
	if v, ok := lookupEnvInt("RETRACE_STALL_TIMEOUT"); ok {
		c.Video.StallTimeoutSeconds = v
	}
	if v, ok := lookupEnvInt("RETRACE_BUFFER_MAX_GIB"); ok {
		c.Buffer.MaxSizeGiB = v
	}
	if v, ok := lookupEnvInt("RETRACE_BUFFER_TTL_DAYS"); ok {
		c.Buffer.TTLDays = v
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func lookupEnvInt(key string) (int, bool) {
	value, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
