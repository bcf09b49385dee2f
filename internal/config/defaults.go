package config

const (
	defaultBufferDir         = "~/.local/share/retrace/buffer"
	defaultChunkDir          = "~/.local/share/retrace/chunks"
	defaultLogDir            = "~/.local/share/retrace/logs"
	defaultLogRetentionDays  = 30
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultServerBaseURL     = "http://127.0.0.1:8082"
	defaultRequestTimeout    = 60
	defaultHeartbeatInterval = 30

	defaultVideoMode           = "auto"
	defaultVideoFPS            = 1
	defaultVideoChunkDuration  = 300
	defaultVideoQuality        = 28
	defaultVideoEncoder        = "libx264"
	defaultQueueMaxSize        = 64
	defaultBackendMaxRetries   = 5
	defaultBackendRetryBackoff = 30
	defaultPermissionBackoff   = 300
	defaultWriteWarnMillis     = 500
	defaultKeepaliveSeconds    = 1
	defaultStallTimeout        = 120
	defaultTopologyPoll        = 15
	defaultRecoveryProbe       = 60
	defaultMinFreeSpaceGiB     = 10

	defaultAudioChunkDuration = 300
	defaultAudioSampleRate    = 16000
	defaultAudioChannels      = 1

	defaultBufferMaxGiB    = 100
	defaultBufferTTLDays   = 7
	defaultCleanupInterval = 600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			BufferDir: defaultBufferDir,
			ChunkDir:  defaultChunkDir,
			LogDir:    defaultLogDir,
		},
		Server: Server{
			BaseURL:           defaultServerBaseURL,
			RequestTimeout:    defaultRequestTimeout,
			HeartbeatInterval: defaultHeartbeatInterval,
		},
		Video: Video{
			Mode:                 defaultVideoMode,
			FPS:                  defaultVideoFPS,
			ChunkDuration:        defaultVideoChunkDuration,
			Quality:              defaultVideoQuality,
			Encoder:              defaultVideoEncoder,
			QueueMaxSize:         defaultQueueMaxSize,
			BackendMaxRetries:    defaultBackendMaxRetries,
			BackendRetryBackoff:  defaultBackendRetryBackoff,
			PermissionBackoff:    defaultPermissionBackoff,
			WriteWarnMillis:      defaultWriteWarnMillis,
			KeepaliveSeconds:     defaultKeepaliveSeconds,
			StallTimeoutSeconds:  defaultStallTimeout,
			TopologyPollSeconds:  defaultTopologyPoll,
			RecoveryProbeSeconds: defaultRecoveryProbe,
			MinFreeSpaceGiB:      defaultMinFreeSpaceGiB,
		},
		Audio: Audio{
			Enabled:       true,
			ChunkDuration: defaultAudioChunkDuration,
			SampleRate:    defaultAudioSampleRate,
			Channels:      defaultAudioChannels,
		},
		Buffer: Buffer{
			MaxSizeGiB:      defaultBufferMaxGiB,
			TTLDays:         defaultBufferTTLDays,
			CleanupInterval: defaultCleanupInterval,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
