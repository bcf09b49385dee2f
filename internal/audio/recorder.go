package audio

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"retrace/internal/buffer"
	"retrace/internal/config"
	"retrace/internal/fileutil"
	"retrace/internal/logging"
)

// DeviceClass is the metadata classification of a capture device.
type DeviceClass string

const (
	DeviceInput   DeviceClass = "input"
	DeviceOutput  DeviceClass = "output"
	DeviceUnknown DeviceClass = "unknown"
)

// ClassifyDevice buckets a device by name heuristics. Loopback/monitor
// streams record what the machine plays; everything that smells like a
// microphone is input.
func ClassifyDevice(name string) DeviceClass {
	lowered := strings.ToLower(name)
	switch {
	case strings.Contains(lowered, "monitor"),
		strings.Contains(lowered, "loopback"),
		strings.Contains(lowered, "stereo mix"),
		strings.Contains(lowered, "output"),
		strings.Contains(lowered, "speaker"):
		return DeviceOutput
	case strings.Contains(lowered, "mic"),
		strings.Contains(lowered, "input"),
		strings.Contains(lowered, "capture"),
		strings.Contains(lowered, "headset"),
		name == "" || lowered == "default":
		return DeviceInput
	default:
		return DeviceUnknown
	}
}

// ChunkQueue receives finished audio chunks. *buffer.Queue satisfies it.
type ChunkQueue interface {
	EnqueueFile(path string, metadata map[string]any) (string, error)
}

// ChunkCatalog mirrors video.ChunkCatalog for audio chunks. Optional.
type ChunkCatalog interface {
	RecordChunk(id, kind, source string, startedAt, endedAt time.Time, size int64, checksum string) error
}

// Recorder owns one manager per configured device and ships finished chunks
// into the upload buffer.
type Recorder struct {
	cfg      *config.Config
	queue    ChunkQueue
	catalog  ChunkCatalog
	logger   *slog.Logger
	opener   deviceOpener
	managers []*Manager
}

// NewRecorder builds the audio recorder. catalog may be nil.
func NewRecorder(cfg *config.Config, queue ChunkQueue, catalog ChunkCatalog, logger *slog.Logger) *Recorder {
	return &Recorder{
		cfg:     cfg,
		queue:   queue,
		catalog: catalog,
		logger:  logging.NewComponentLogger(logger, "audio-recorder"),
	}
}

// withOpener overrides the device opener, for tests.
func (r *Recorder) withOpener(opener deviceOpener) *Recorder {
	r.opener = opener
	return r
}

// Start opens every configured device. A device that refuses to open is
// logged and skipped; audio capture is best effort.
func (r *Recorder) Start() error {
	if !r.cfg.Audio.Enabled {
		return nil
	}

	if r.opener == nil {
		opener, err := newMalgoOpener()
		if err != nil {
			return fmt.Errorf("audio backend unavailable: %w", err)
		}
		r.opener = opener
	}

	devices := r.cfg.Audio.Devices
	if len(devices) == 0 {
		devices = []string{""}
	}

	for _, device := range devices {
		manager, err := NewManager(ManagerOptions{
			Device:        device,
			OutputDir:     r.cfg.Paths.ChunkDir,
			ChunkDuration: time.Duration(r.cfg.Audio.ChunkDuration) * time.Second,
			SampleRate:    r.cfg.Audio.SampleRate,
			Channels:      r.cfg.Audio.Channels,
			OnChunk:       r.makeChunkHandler(device),
			Logger:        r.logger,
		}, r.opener)
		if err != nil {
			return err
		}
		if err := manager.Start(); err != nil {
			r.logger.Warn("audio device unavailable, skipping",
				logging.Error(err),
				logging.String(logging.FieldDeviceName, device),
				logging.String(logging.FieldErrorHint, "check the device name in [audio].devices"),
			)
			continue
		}
		r.managers = append(r.managers, manager)
	}
	return nil
}

// Stop finalizes all managers and releases the audio backend.
func (r *Recorder) Stop() {
	for _, manager := range r.managers {
		manager.Stop()
	}
	r.managers = nil
	if r.opener != nil {
		r.opener.Close()
		r.opener = nil
	}
}

// Active reports how many devices are currently recording.
func (r *Recorder) Active() int {
	return len(r.managers)
}

func (r *Recorder) makeChunkHandler(device string) func(string, time.Duration) {
	return func(path string, duration time.Duration) {
		r.handleChunk(device, path, duration)
	}
}

// handleChunk checksums a finished segment and enqueues it with its
// metadata. Failures leave the file on disk for the next daemon run's
// chunk-directory sweep.
func (r *Recorder) handleChunk(device, path string, duration time.Duration) {
	checksum, err := fileutil.ChecksumSHA256(path)
	if err != nil {
		r.logger.Error("audio chunk checksum failed",
			logging.Error(err),
			logging.String(logging.FieldChunkPath, path),
		)
		return
	}
	size := int64(0)
	if info, statErr := os.Stat(path); statErr == nil {
		size = info.Size()
	}

	endedAt := time.Now()
	startedAt := endedAt.Add(-duration)
	label := device
	if label == "" {
		label = "default"
	}
	metadata := map[string]any{
		buffer.KeyKind: buffer.KindAudioChunk,
		"device":       label,
		"device_class": string(ClassifyDevice(label)),
		"checksum":     checksum,
		"size":         size,
		"duration":     duration.Seconds(),
		"sample_rate":  r.cfg.Audio.SampleRate,
		"channels":     r.cfg.Audio.Channels,
		"started_at":   startedAt.UTC().Format(time.RFC3339),
		"ended_at":     endedAt.UTC().Format(time.RFC3339),
	}

	id, err := r.queue.EnqueueFile(path, metadata)
	if err != nil {
		r.logger.Error("audio chunk enqueue failed",
			logging.Error(err),
			logging.String(logging.FieldChunkPath, path),
		)
		return
	}
	r.logger.Info("audio chunk buffered",
		logging.String(logging.FieldItemID, id),
		logging.String(logging.FieldDeviceName, label),
		logging.Duration("duration", duration),
		logging.String(logging.FieldChunkType, buffer.KindAudioChunk),
	)

	if r.catalog != nil {
		if err := r.catalog.RecordChunk(id, buffer.KindAudioChunk, label, startedAt, endedAt, size, checksum); err != nil {
			r.logger.Warn("catalog record failed", logging.Error(err))
		}
	}
}
