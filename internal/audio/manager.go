package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"retrace/internal/logging"
)

// ManagerOptions configures one device manager.
type ManagerOptions struct {
	// Device is the capture device name; empty selects the default input.
	Device        string
	OutputDir     string
	ChunkDuration time.Duration
	SampleRate    int
	Channels      int
	// OnChunk fires with the finished file and its actual elapsed duration.
	// Header-only files are discarded and never reported.
	OnChunk func(path string, duration time.Duration)
	Logger  *slog.Logger
}

// Manager records one audio input device into rotating WAV segments.
type Manager struct {
	opts   ManagerOptions
	opener deviceOpener
	logger *slog.Logger

	mu       sync.Mutex
	handle   captureHandle
	current  *wavFile
	running  bool
	resolved string
}

// NewManager builds a manager using the given opener.
func NewManager(opts ManagerOptions, opener deviceOpener) (*Manager, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("audio output directory is required")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Manager{
		opts:   opts,
		opener: opener,
		logger: logging.NewComponentLogger(opts.Logger, "audio-manager"),
	}, nil
}

// DeviceName returns the resolved capture device name once started.
func (m *Manager) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved != "" {
		return m.resolved
	}
	return m.opts.Device
}

// Start opens the capture stream and begins the first segment.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	if err := m.openSegmentLocked(); err != nil {
		return err
	}

	handle, resolved, err := m.opener.Open(m.opts.Device, m.opts.SampleRate, m.opts.Channels, m.onPCM)
	if err != nil {
		m.discardSegmentLocked()
		return err
	}
	if err := handle.Start(); err != nil {
		handle.Close()
		m.discardSegmentLocked()
		return err
	}

	m.handle = handle
	m.resolved = resolved
	m.running = true
	m.logger.Info("audio capture started",
		logging.String(logging.FieldDeviceName, resolved),
		logging.Int("sample_rate", m.opts.SampleRate),
		logging.Int("channels", m.opts.Channels),
	)
	return nil
}

// Stop closes the capture stream and finalizes the in-progress segment.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false

	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	m.rotateLocked(false)
	m.logger.Info("audio capture stopped",
		logging.String(logging.FieldDeviceName, m.resolved),
	)
}

// onPCM is the capture callback: append to the current segment and rotate
// once the accumulated duration reaches the chunk length.
func (m *Manager) onPCM(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.current == nil {
		return
	}
	if err := m.current.WritePCM(data); err != nil {
		m.logger.Error("audio write failed", logging.Error(err))
		return
	}
	if m.current.Duration() >= m.opts.ChunkDuration.Seconds() {
		m.rotateLocked(true)
	}
}

// rotateLocked closes the current segment, reports or discards it, and
// optionally opens the next one.
func (m *Manager) rotateLocked(openNext bool) {
	current := m.current
	m.current = nil
	if current == nil {
		return
	}

	elapsed := time.Duration(current.Duration() * float64(time.Second))
	empty := current.DataBytes() == 0
	if err := current.Close(); err != nil {
		m.logger.Error("audio segment close failed", logging.Error(err))
	}

	if empty {
		// Nothing but the 44-byte header arrived; not worth shipping.
		m.logger.Debug("discarding empty audio segment",
			logging.String(logging.FieldChunkPath, current.path),
		)
		_ = os.Remove(current.path)
	} else if m.opts.OnChunk != nil {
		m.opts.OnChunk(current.path, elapsed)
	}

	if openNext {
		if err := m.openSegmentLocked(); err != nil {
			m.logger.Error("audio segment open failed", logging.Error(err))
		}
	}
}

func (m *Manager) openSegmentLocked() error {
	name := fmt.Sprintf("audio_%s_%d.wav", sanitizeDevice(m.deviceLabelLocked()), time.Now().UnixNano())
	path := filepath.Join(m.opts.OutputDir, name)
	segment, err := createWAV(path, m.opts.SampleRate, m.opts.Channels)
	if err != nil {
		return err
	}
	m.current = segment
	return nil
}

func (m *Manager) discardSegmentLocked() {
	if m.current == nil {
		return
	}
	path := m.current.path
	_ = m.current.Close()
	_ = os.Remove(path)
	m.current = nil
}

func (m *Manager) deviceLabelLocked() string {
	if m.resolved != "" {
		return m.resolved
	}
	if m.opts.Device != "" {
		return m.opts.Device
	}
	return "default"
}

func sanitizeDevice(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
