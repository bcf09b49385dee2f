package uploader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retrace/internal/buffer"
)

type fakeClient struct {
	mu          sync.Mutex
	videoCalls  int
	audioCalls  int
	shotCalls   int
	statusCalls int
	offsets     []int64
	succeed     bool
	status      UploadStatus
}

func (f *fakeClient) UploadScreenshot(context.Context, string, map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shotCalls++
	return f.succeed, f.maybeErr()
}

func (f *fakeClient) UploadVideoChunk(_ context.Context, _ string, _ map[string]any, offset int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls++
	f.offsets = append(f.offsets, offset)
	return f.succeed, f.maybeErr()
}

func (f *fakeClient) UploadAudioChunk(context.Context, string, map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioCalls++
	return f.succeed, f.maybeErr()
}

func (f *fakeClient) Status(context.Context, string) (UploadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.status, nil
}

func (f *fakeClient) Heartbeat(context.Context, HeartbeatPayload) (Toggles, error) {
	return Toggles{RecordingEnabled: true, UploadEnabled: true}, nil
}

func (f *fakeClient) maybeErr() error {
	if f.succeed {
		return nil
	}
	return errors.New("server unavailable")
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func newTestQueue(t *testing.T) *buffer.Queue {
	t.Helper()
	local, err := buffer.NewLocalBuffer(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return buffer.NewQueue(local, buffer.QueueOptions{}, nil)
}

func TestSuccessfulUploadCommitsItem(t *testing.T) {
	queue := newTestQueue(t)
	payload := make([]byte, 1024)
	id, err := queue.Enqueue(payload, ".mp4", map[string]any{
		buffer.KeyKind: buffer.KindVideoChunk,
		"checksum":     "sha256:deadbeef",
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: true}
	consumer := NewConsumer(queue, client, nil, nil)

	batch, err := queue.GetNextBatch(1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("GetNextBatch: %v, %d items", err, len(batch))
	}
	consumer.processItem(context.Background(), batch[0])

	if client.videoCalls != 1 {
		t.Errorf("video uploads = %d, want 1", client.videoCalls)
	}
	count, err := queue.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("buffer count after success = %d, want 0 (item %s committed)", count, id)
	}
}

func TestFailedUploadPreservesItemAndBacksOff(t *testing.T) {
	queue := newTestQueue(t)
	if _, err := queue.Enqueue(make([]byte, 1024), ".mp4", map[string]any{
		buffer.KeyKind: buffer.KindVideoChunk,
		"checksum":     "sha256:deadbeef",
	}); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: false}
	recorder := &sleepRecorder{}
	consumer := NewConsumer(queue, client, nil, nil)
	consumer.sleep = recorder.sleep

	batch, _ := queue.GetNextBatch(1)
	consumer.processItem(context.Background(), batch[0])

	count, err := queue.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("buffer count after failure = %d, want item preserved", count)
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.sleeps) != 1 {
		t.Fatalf("sleeps = %d, want exactly 1", len(recorder.sleeps))
	}
	if recorder.sleeps[0] != 60*time.Second {
		t.Errorf("first backoff = %s, want 60s", recorder.sleeps[0])
	}
}

func TestDispatchByKind(t *testing.T) {
	queue := newTestQueue(t)
	client := &fakeClient{succeed: true}
	consumer := NewConsumer(queue, client, nil, nil)

	for _, kind := range []string{buffer.KindAudioChunk, buffer.KindScreenshot, ""} {
		metadata := map[string]any{}
		if kind != "" {
			metadata[buffer.KeyKind] = kind
		}
		if _, err := queue.Enqueue([]byte("x"), ".bin", metadata); err != nil {
			t.Fatal(err)
		}
	}

	for {
		batch, err := queue.GetNextBatch(1)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		consumer.processItem(context.Background(), batch[0])
	}

	if client.audioCalls != 1 {
		t.Errorf("audio uploads = %d, want 1", client.audioCalls)
	}
	// Explicit screenshot plus the kindless default.
	if client.shotCalls != 2 {
		t.Errorf("screenshot uploads = %d, want 2", client.shotCalls)
	}
}

func TestVideoRetryProbesForResumeOffset(t *testing.T) {
	queue := newTestQueue(t)
	id, err := queue.Enqueue(make([]byte, 2048), ".mp4", map[string]any{
		buffer.KeyKind: buffer.KindVideoChunk,
		"checksum":     "sha256:feedface",
	})
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: true, status: UploadStatus{Exists: true, BytesReceived: 1024}}
	consumer := NewConsumer(queue, client, nil, nil)
	consumer.retries[id] = 1

	batch, _ := queue.GetNextBatch(1)
	consumer.processItem(context.Background(), batch[0])

	if client.statusCalls != 1 {
		t.Fatalf("status probes = %d, want 1", client.statusCalls)
	}
	if len(client.offsets) != 1 || client.offsets[0] != 1024 {
		t.Errorf("resume offsets = %v, want [1024]", client.offsets)
	}
}

func TestFirstAttemptSkipsResumeProbe(t *testing.T) {
	queue := newTestQueue(t)
	if _, err := queue.Enqueue(make([]byte, 128), ".mp4", map[string]any{
		buffer.KeyKind: buffer.KindVideoChunk,
		"checksum":     "sha256:feedface",
	}); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: true}
	consumer := NewConsumer(queue, client, nil, nil)

	batch, _ := queue.GetNextBatch(1)
	consumer.processItem(context.Background(), batch[0])

	if client.statusCalls != 0 {
		t.Errorf("status probes on first attempt = %d, want 0", client.statusCalls)
	}
	if len(client.offsets) != 1 || client.offsets[0] != 0 {
		t.Errorf("resume offsets = %v, want [0]", client.offsets)
	}
}

func TestStopBeforeCallSkipsUpload(t *testing.T) {
	queue := newTestQueue(t)
	if _, err := queue.Enqueue([]byte("x"), ".webp", nil); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: true}
	consumer := NewConsumer(queue, client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch, _ := queue.GetNextBatch(1)
	consumer.processItem(ctx, batch[0])

	if client.shotCalls != 0 {
		t.Errorf("uploads after stop = %d, want 0", client.shotCalls)
	}
	count, _ := queue.Count()
	if count != 1 {
		t.Errorf("item lost on stop: count = %d", count)
	}
}

func TestRetryCounterResetsOnSuccess(t *testing.T) {
	queue := newTestQueue(t)
	id, err := queue.Enqueue(make([]byte, 64), ".wav", map[string]any{buffer.KeyKind: buffer.KindAudioChunk})
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: true}
	consumer := NewConsumer(queue, client, nil, nil)
	consumer.retries[id] = 3

	batch, _ := queue.GetNextBatch(1)
	consumer.processItem(context.Background(), batch[0])

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if _, ok := consumer.retries[id]; ok {
		t.Error("retry counter not cleared after success")
	}
}

func TestDisabledConsumerUploadsNothing(t *testing.T) {
	queue := newTestQueue(t)
	if _, err := queue.Enqueue([]byte("x"), ".webp", nil); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{succeed: true}
	consumer := NewConsumer(queue, client, nil, nil)
	consumer.SetEnabled(false)

	done := make(chan struct{})
	consumer.sleep = func(ctx context.Context, _ time.Duration) bool {
		select {
		case <-done:
		default:
			close(done)
		}
		return ctx.Err() == nil
	}

	consumer.Start(context.Background())
	<-done
	consumer.Stop()

	if client.shotCalls != 0 {
		t.Errorf("uploads while disabled = %d, want 0", client.shotCalls)
	}
}
