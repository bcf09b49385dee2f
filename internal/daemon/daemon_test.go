package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"retrace/internal/capture"
	"retrace/internal/logging"
	"retrace/internal/testsupport"
	"retrace/internal/uploader"
	"retrace/internal/video"
)

type unavailableProvider struct{}

func (unavailableProvider) Backend() capture.Backend { return "test" }

func (unavailableProvider) Monitors(context.Context) ([]capture.MonitorInfo, error) {
	return nil, capture.NewError(capture.CodeNoDisplays, errors.New("no displays"))
}

func (unavailableProvider) NewSource(capture.MonitorInfo, int, capture.FrameHandler) (capture.MonitorSource, error) {
	return nil, errors.New("unavailable")
}

func (unavailableProvider) Close() {}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	logger := logging.NewNop()
	agent, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Swap the display provider so tests never probe real screens.
	agent.recorder = video.NewRecorder(cfg, unavailableProvider{}, agent.queue, nil, logger)
	return agent
}

func TestStartStop(t *testing.T) {
	agent := newTestAgent(t)

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := agent.Status()
	if !status.Running {
		t.Error("agent not reported running")
	}
	if status.Capture.Mode != video.ModeDegraded {
		t.Errorf("capture mode = %s, want %s with no displays", status.Capture.Mode, video.ModeDegraded)
	}
	agent.Stop()
	if agent.Status().Running {
		t.Error("agent still reported running after Stop")
	}
}

func TestConcurrentStopIsSafe(t *testing.T) {
	agent := newTestAgent(t)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			agent.Stop()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("Stop did not return")
		}
	}
	if agent.Status().Running {
		t.Error("agent still reported running")
	}
}

func TestSecondInstanceRejected(t *testing.T) {
	first := newTestAgent(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop()

	second, err := New(first.cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second.recorder = video.NewRecorder(first.cfg, unavailableProvider{}, second.queue, nil, logging.NewNop())
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second agent acquired the instance lock")
	}
}

func TestTogglesPauseAndResume(t *testing.T) {
	agent := newTestAgent(t)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer agent.Stop()

	agent.applyToggles(uploader.Toggles{RecordingEnabled: false, UploadEnabled: false})
	if mode := agent.recorder.Mode(); mode != video.ModePaused {
		t.Errorf("mode after pause toggle = %s, want %s", mode, video.ModePaused)
	}
	if agent.consumer.Enabled() {
		t.Error("consumer still enabled after upload toggle off")
	}

	// Repeating the same toggles must not double-apply.
	agent.applyToggles(uploader.Toggles{RecordingEnabled: false, UploadEnabled: false})
	if mode := agent.recorder.Mode(); mode != video.ModePaused {
		t.Errorf("mode after repeated pause = %s", mode)
	}

	agent.applyToggles(uploader.Toggles{RecordingEnabled: true, UploadEnabled: true})
	if mode := agent.recorder.Mode(); mode == video.ModePaused {
		t.Error("mode still paused after resume toggle")
	}
	if !agent.consumer.Enabled() {
		t.Error("consumer not re-enabled")
	}
}

func TestHeartbeatPayloadReflectsState(t *testing.T) {
	agent := newTestAgent(t)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer agent.Stop()

	if _, err := agent.queue.Enqueue([]byte("x"), ".webp", nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := agent.Status()
		if status.BufferDepth == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("buffer depth = %d, want 1", status.BufferDepth)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
