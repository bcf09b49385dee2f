package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/kbinani/screenshot"

	"retrace/internal/logging"
)

// pollingProvider enumerates displays through the cross-platform screenshot
// library. Display indexes are only stable within one topology, so the
// monitor ID embeds the bounds to survive reordering.
type pollingProvider struct {
	logger *slog.Logger
}

func newPollingProvider(logger *slog.Logger) *pollingProvider {
	return &pollingProvider{logger: logger}
}

func (p *pollingProvider) Backend() Backend { return BackendPolling }

func (p *pollingProvider) Close() {}

func (p *pollingProvider) NewSource(monitor MonitorInfo, fps int, handler FrameHandler) (MonitorSource, error) {
	if fps <= 0 {
		fps = 1
	}
	return newPollingSource(monitor, fps, handler, p.logger), nil
}

func (p *pollingProvider) Monitors(ctx context.Context) ([]MonitorInfo, error) {
	count := screenshot.NumActiveDisplays()
	if count == 0 {
		return nil, NewError(CodeNoDisplays, fmt.Errorf("no active displays"))
	}

	monitors := make([]MonitorInfo, 0, count)
	for i := 0; i < count; i++ {
		bounds := screenshot.GetDisplayBounds(i)
		monitors = append(monitors, MonitorInfo{
			ID:          fmt.Sprintf("display-%d-%dx%d", i, bounds.Dx(), bounds.Dy()),
			Name:        fmt.Sprintf("Display %d", i),
			Width:       bounds.Dx(),
			Height:      bounds.Dy(),
			Primary:     i == 0,
			Backend:     string(BackendPolling),
			SourceIndex: i,
		})
	}
	fingerprint := TopologyFingerprint(monitors)
	for i := range monitors {
		monitors[i].Fingerprint = fingerprint
	}
	return monitors, nil
}

// pollingSource grabs the monitor at a fixed rate and emits RGBA frames.
type pollingSource struct {
	monitor MonitorInfo
	fps     int
	handler FrameHandler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newPollingSource(monitor MonitorInfo, fps int, handler FrameHandler, logger *slog.Logger) *pollingSource {
	return &pollingSource{
		monitor: monitor,
		fps:     fps,
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "poll-source"),
	}
}

func (s *pollingSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	index, err := s.resolveDisplayIndex()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(runCtx, index)
	return nil
}

func (s *pollingSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// resolveDisplayIndex re-checks the monitor's position in the current
// topology. The recorded source index is the fallback when the ID no longer
// matches, which happens when displays are re-enumerated between discovery
// and start.
func (s *pollingSource) resolveDisplayIndex() (int, error) {
	count := screenshot.NumActiveDisplays()
	if count == 0 {
		return 0, NewError(CodeNoDisplays, fmt.Errorf("no active displays"))
	}
	for i := 0; i < count; i++ {
		bounds := screenshot.GetDisplayBounds(i)
		id := fmt.Sprintf("display-%d-%dx%d", i, bounds.Dx(), bounds.Dy())
		if id == s.monitor.ID {
			return i, nil
		}
	}
	if s.monitor.SourceIndex < count {
		s.logger.Warn("monitor id drifted, using source index fallback",
			logging.String(logging.FieldMonitorID, s.monitor.ID),
			logging.Int("source_index", s.monitor.SourceIndex),
			logging.String(logging.FieldEventType, "monitor_index_fallback"),
		)
		return s.monitor.SourceIndex, nil
	}
	return 0, NewError(CodeDisplayNotFound, fmt.Errorf("monitor %s not in current topology", s.monitor.ID))
}

func (s *pollingSource) loop(ctx context.Context, index int) {
	defer s.wg.Done()

	interval := time.Second / time.Duration(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.captureOnce(index)
		}
	}
}

func (s *pollingSource) captureOnce(index int) {
	bounds := screenshot.GetDisplayBounds(index)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		s.logger.Debug("display grab failed",
			logging.Error(err),
			logging.String(logging.FieldMonitorID, s.monitor.ID),
		)
		return
	}

	frame := RawFrame{
		Data: packRGBA(img),
		Profile: PixelFormatProfile{
			PixelFormat: "rgba",
			Width:       img.Rect.Dx(),
			Height:      img.Rect.Dy(),
			FPS:         s.fps,
			ColorRange:  "pc",
			Colorspace:  "srgb",
		},
		CapturedAt: time.Now(),
	}
	s.handler(frame)
}

// packRGBA flattens an *image.RGBA into contiguous rows, stripping any
// stride padding the platform grab introduced.
func packRGBA(img *image.RGBA) []byte {
	rowBytes := img.Rect.Dx() * 4
	rows := img.Rect.Dy()
	if img.Stride == rowBytes {
		out := make([]byte, rowBytes*rows)
		copy(out, img.Pix[:rowBytes*rows])
		return out
	}
	out := make([]byte, PackedSize([]PlaneLayout{{Stride: img.Stride, RowBytes: rowBytes, Rows: rows}}))
	PackPlanes(out, img.Pix, []PlaneLayout{{Stride: img.Stride, RowBytes: rowBytes, Rows: rows}})
	return out
}
