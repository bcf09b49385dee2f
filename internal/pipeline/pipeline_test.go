package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"retrace/internal/capture"
	"retrace/internal/encoder"
)

type fakeSink struct {
	mu           sync.Mutex
	started      bool
	profile      capture.PixelFormatProfile
	writes       [][]byte
	reconfigures int
	failWrites   bool
	stopped      bool
}

func (f *fakeSink) StartWithProfile(_ context.Context, profile capture.PixelFormatProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.profile = profile
	return nil
}

func (f *fakeSink) Reconfigure(profile capture.PixelFormatProfile) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigures++
	restarted := !f.profile.Equal(profile) || f.failWrites
	f.profile = profile
	f.failWrites = false
	return restarted, nil
}

func (f *fakeSink) WriteFrame(data []byte) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0, encoder.ErrBrokenPipe
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	f.writes = append(f.writes, copied)
	return time.Millisecond, nil
}

func (f *fakeSink) Stop() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return "chunk_0000.mp4"
}

func (f *fakeSink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSink) reconfigureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconfigures
}

func (f *fakeSink) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

func profile(width int) capture.PixelFormatProfile {
	return capture.PixelFormatProfile{PixelFormat: "bgra", Width: width, Height: 48, FPS: 1, ColorRange: "pc", Colorspace: "srgb"}
}

func frame(width int, payload byte) capture.RawFrame {
	return capture.RawFrame{Data: []byte{payload}, Profile: profile(width), CapturedAt: time.Now()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstFrameStartsEncoder(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1"}, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.SubmitFrame(frame(64, 1))
	waitFor(t, "first write", func() bool { return sink.writeCount() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.started {
		t.Error("encoder not started by first frame")
	}
	if sink.profile.Width != 64 {
		t.Errorf("encoder profile width = %d", sink.profile.Width)
	}
}

func TestProfileChangeTriggersRestart(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1"}, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.SubmitFrame(frame(64, 1))
	waitFor(t, "first write", func() bool { return sink.writeCount() == 1 })

	p.SubmitFrame(frame(128, 2))
	waitFor(t, "second write", func() bool { return sink.writeCount() == 2 })

	if got := p.Stats().ProfileRestarts; got != 1 {
		t.Errorf("ProfileRestarts = %d, want 1", got)
	}
	if sink.reconfigureCount() != 1 {
		t.Errorf("reconfigures = %d, want 1", sink.reconfigureCount())
	}
}

func TestStaleGenerationFramesDroppedExactlyOnce(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1"}, sink)

	// Seed state without the writer running so queued frames stay put.
	p.runCtx = context.Background()
	p.state = StateRunning
	p.generation = 1
	if err := p.startEncoderLocked(profile(64)); err != nil {
		t.Fatalf("startEncoderLocked: %v", err)
	}
	p.enqueueLocked(queuedFrame{data: []byte{1}, profile: profile(64), generation: 1})
	p.enqueueLocked(queuedFrame{data: []byte{2}, profile: profile(64), generation: 1})
	p.generation = 2
	p.enqueueLocked(queuedFrame{data: []byte{3}, profile: profile(64), generation: 2})

	for len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue = p.queue[1:]
		p.writeFrame(frame)
	}

	if got := p.Stats().StaleGenerationDrops; got != 2 {
		t.Errorf("StaleGenerationDrops = %d, want 2", got)
	}
	if sink.writeCount() != 1 {
		t.Errorf("writes = %d, want only the current-generation frame", sink.writeCount())
	}
	if sink.writes[0][0] != 3 {
		t.Errorf("wrote frame %d, want 3", sink.writes[0][0])
	}
}

func TestQueueFullDropsOldest(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1", QueueMaxSize: 2}, sink)
	p.state = StateRunning
	p.generation = 1

	p.enqueueLocked(queuedFrame{data: []byte{1}, generation: 1})
	p.enqueueLocked(queuedFrame{data: []byte{2}, generation: 1})
	p.enqueueLocked(queuedFrame{data: []byte{3}, generation: 1})

	if len(p.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(p.queue))
	}
	if p.queue[0].data[0] != 2 || p.queue[1].data[0] != 3 {
		t.Errorf("queue = [%d %d], want [2 3]", p.queue[0].data[0], p.queue[1].data[0])
	}
	if got := p.Stats().QueueFullDrops; got != 1 {
		t.Errorf("QueueFullDrops = %d, want 1", got)
	}
}

func TestKeepaliveRepeatsLastFrame(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1", KeepaliveInterval: 20 * time.Millisecond}, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.SubmitFrame(frame(64, 7))
	waitFor(t, "keepalive writes", func() bool { return sink.writeCount() >= 3 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, write := range sink.writes {
		if write[0] != 7 {
			t.Fatalf("write %d = %d, want repeated frame 7", i, write[0])
		}
	}
}

func TestBrokenPipeRecoversOnce(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1"}, sink)
	p.runCtx = context.Background()
	p.state = StateRunning
	p.generation = 1
	if err := p.startEncoderLocked(profile(64)); err != nil {
		t.Fatalf("startEncoderLocked: %v", err)
	}

	sink.setFailWrites(true)
	p.writeFrame(queuedFrame{data: []byte{1}, profile: profile(64), generation: 1})

	if got := p.Stats().BrokenPipeEvents; got != 1 {
		t.Errorf("BrokenPipeEvents = %d, want 1", got)
	}
	if sink.reconfigureCount() != 1 {
		t.Errorf("reconfigures = %d, want 1", sink.reconfigureCount())
	}

	// Recovery cleared the fault; the next write lands.
	p.mu.Lock()
	generation := p.generation
	p.mu.Unlock()
	p.writeFrame(queuedFrame{data: []byte{2}, profile: profile(64), generation: generation})
	if sink.writeCount() != 1 {
		t.Errorf("writes after recovery = %d, want 1", sink.writeCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	p := New(Options{MonitorID: "m1"}, sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := p.Stop(); got != "chunk_0000.mp4" {
		t.Errorf("Stop = %q", got)
	}
	if got := p.Stop(); got != "chunk_0000.mp4" {
		t.Errorf("second Stop = %q", got)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s", p.State())
	}
}

func TestLatencyWindowP95(t *testing.T) {
	var w latencyWindow
	if w.P95() != 0 {
		t.Error("empty window should report zero")
	}
	for i := 1; i <= 100; i++ {
		w.record(time.Duration(i) * time.Millisecond)
	}
	p95 := w.P95()
	if p95 < 85*time.Millisecond || p95 > 100*time.Millisecond {
		t.Errorf("p95 = %s, want within the window's upper tail", p95)
	}
}
