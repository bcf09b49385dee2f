//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"retrace/internal/logging"
)

var gstInitOnce sync.Once

// pipewireSource pulls frames for one portal stream through a gstreamer
// pipeline: pipewiresrc -> videoconvert -> videorate -> capsfilter ->
// appsink. The compositor only produces buffers when the screen changes,
// so frame arrival is event driven rather than a fixed cadence.
type pipewireSource struct {
	fd      int
	nodeID  uint32
	monitor MonitorInfo
	fps     int
	handler FrameHandler
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	pipeline *gst.Pipeline
}

func newPipewireSource(fd int, nodeID uint32, monitor MonitorInfo, fps int, handler FrameHandler, logger *slog.Logger) *pipewireSource {
	if fps <= 0 {
		fps = 1
	}
	return &pipewireSource{
		fd:      fd,
		nodeID:  nodeID,
		monitor: monitor,
		fps:     fps,
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "pipewire-source"),
	}
}

func (s *pipewireSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	gstInitOnce.Do(func() { gst.Init(nil) })

	pipeline, err := s.buildPipeline()
	if err != nil {
		return NewError(CodeStreamStartFailed, err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Destroy()
		return NewError(CodeStreamStartFailed, fmt.Errorf("start pipewire pipeline: %w", err))
	}

	// Wait for the state change to land so a dead stream surfaces here
	// instead of as silent frame loss.
	if _, err := s.awaitPlaying(ctx, pipeline); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Destroy()
		return err
	}

	s.pipeline = pipeline
	s.running = true
	s.logger.Info("pipewire stream started",
		logging.String(logging.FieldMonitorID, s.monitor.ID),
		logging.Uint64("node_id", uint64(s.nodeID)),
	)
	return nil
}

func (s *pipewireSource) Stop() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.running = false
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Destroy()
	}
}

func (s *pipewireSource) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("pipewiresrc")
	if err != nil {
		return nil, fmt.Errorf("create pipewiresrc: %w", err)
	}
	if err := src.SetProperty("fd", s.fd); err != nil {
		return nil, fmt.Errorf("set pipewire fd: %w", err)
	}
	if err := src.SetProperty("path", fmt.Sprintf("%d", s.nodeID)); err != nil {
		return nil, fmt.Errorf("set pipewire path: %w", err)
	}
	_ = src.SetProperty("do-timestamp", true)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("create videorate: %w", err)
	}
	// drop-only keeps the stream event driven: frames above the target
	// rate are dropped, idle periods are never padded with duplicates.
	_ = rate.SetProperty("drop-only", true)

	caps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=BGRA,framerate=%d/1", s.fps)
	if err := caps.SetProperty("caps", gst.NewCapsFromString(capsStr)); err != nil {
		return nil, fmt.Errorf("set caps: %w", err)
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
	})

	if err := pipeline.AddMany(src, convert, rate, caps, appsink.Element); err != nil {
		return nil, fmt.Errorf("assemble pipeline: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, rate, caps, appsink.Element); err != nil {
		return nil, fmt.Errorf("link pipeline: %w", err)
	}
	return pipeline, nil
}

func (s *pipewireSource) awaitPlaying(ctx context.Context, pipeline *gst.Pipeline) (gst.State, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		state := pipeline.GetCurrentState()
		if state == gst.StatePlaying {
			return state, nil
		}
		if time.Now().After(deadline) {
			return state, NewError(CodeStartTimeout, fmt.Errorf("pipewire stream stuck in state %s", state))
		}
		select {
		case <-ctx.Done():
			return state, NewError(CodeStartTimeout, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// onSample copies one buffer out of the pipeline. The emitted frame owns
// its payload; the mapped gst buffer is released before returning.
func (s *pipewireSource) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	defer sample.Unref()

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	defer buffer.Unmap()

	width, height := s.monitor.Width, s.monitor.Height
	if caps := sample.GetCaps(); caps != nil && caps.GetSize() > 0 {
		structure := caps.GetStructureAt(0)
		if w, err := structure.GetValue("width"); err == nil {
			if wi, ok := w.(int); ok {
				width = wi
			}
		}
		if h, err := structure.GetValue("height"); err == nil {
			if hi, ok := h.(int); ok {
				height = hi
			}
		}
	}

	src := mapInfo.Bytes()
	data := make([]byte, len(src))
	copy(data, src)

	s.handler(RawFrame{
		Data: data,
		Profile: PixelFormatProfile{
			PixelFormat: "bgra",
			Width:       width,
			Height:      height,
			FPS:         s.fps,
			ColorRange:  "pc",
			Colorspace:  "srgb",
		},
		CapturedAt: time.Now(),
	})
	return gst.FlowOK
}
