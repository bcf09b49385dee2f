package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"retrace/internal/buffer"
	"retrace/internal/config"
)

func TestWAVHeaderAndFinalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wav")
	w, err := createWAV(path, 16000, 1)
	if err != nil {
		t.Fatalf("createWAV: %v", err)
	}

	pcm := make([]byte, 3200) // 0.1s of 16kHz mono s16
	if err := w.WritePCM(pcm); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if got := w.Duration(); got < 0.09 || got > 0.11 {
		t.Errorf("Duration = %v, want ~0.1s", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != wavHeaderSize+len(pcm) {
		t.Fatalf("file size = %d, want %d", len(data), wavHeaderSize+len(pcm))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("bad RIFF header")
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 16000 {
		t.Errorf("sample rate = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}
}

type fakeHandle struct{ closed bool }

func (h *fakeHandle) Start() error { return nil }
func (h *fakeHandle) Close()       { h.closed = true }

type fakeOpener struct {
	mu     sync.Mutex
	onPCM  func([]byte)
	handle *fakeHandle
	names  []string
}

func (o *fakeOpener) Open(name string, _, _ int, onPCM func([]byte)) (captureHandle, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPCM = onPCM
	o.handle = &fakeHandle{}
	if name == "" {
		name = "default"
	}
	return o.handle, name, nil
}

func (o *fakeOpener) List() ([]string, error) { return o.names, nil }
func (o *fakeOpener) Close()                  {}

func (o *fakeOpener) feed(data []byte) {
	o.mu.Lock()
	onPCM := o.onPCM
	o.mu.Unlock()
	onPCM(data)
}

func TestManagerRotatesByDuration(t *testing.T) {
	dir := t.TempDir()
	opener := &fakeOpener{}
	var mu sync.Mutex
	var chunks []string
	var durations []time.Duration

	manager, err := NewManager(ManagerOptions{
		OutputDir:     dir,
		ChunkDuration: time.Second,
		SampleRate:    16000,
		Channels:      1,
		OnChunk: func(path string, d time.Duration) {
			mu.Lock()
			chunks = append(chunks, path)
			durations = append(durations, d)
			mu.Unlock()
		},
	}, opener)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One second of audio at 16kHz mono s16 is 32000 bytes.
	opener.feed(make([]byte, 32000))

	mu.Lock()
	if len(chunks) != 1 {
		mu.Unlock()
		t.Fatalf("chunks after rotation = %d, want 1", len(chunks))
	}
	first := chunks[0]
	d := durations[0]
	mu.Unlock()

	if d < 900*time.Millisecond || d > 1100*time.Millisecond {
		t.Errorf("chunk duration = %s, want ~1s", d)
	}
	info, err := os.Stat(first)
	if err != nil {
		t.Fatalf("chunk missing: %v", err)
	}
	if info.Size() != wavHeaderSize+32000 {
		t.Errorf("chunk size = %d", info.Size())
	}

	manager.Stop()
}

func TestHeaderOnlyChunkDiscarded(t *testing.T) {
	dir := t.TempDir()
	opener := &fakeOpener{}
	fired := 0

	manager, err := NewManager(ManagerOptions{
		OutputDir:     dir,
		ChunkDuration: time.Second,
		SampleRate:    16000,
		Channels:      1,
		OnChunk:       func(string, time.Duration) { fired++ },
	}, opener)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stop before any PCM arrives: the segment is header-only.
	manager.Stop()

	if fired != 0 {
		t.Fatalf("header-only chunk reached the callback %d times", fired)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("header-only file left behind: %v", entries)
	}
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		name string
		want DeviceClass
	}{
		{"Built-in Microphone", DeviceInput},
		{"USB Headset", DeviceInput},
		{"default", DeviceInput},
		{"Monitor of Built-in Audio", DeviceOutput},
		{"Stereo Mix (Realtek)", DeviceOutput},
		{"Loopback", DeviceOutput},
		{"HDA Intel PCH", DeviceUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyDevice(tt.name); got != tt.want {
			t.Errorf("ClassifyDevice(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestHandleChunkEnqueuesWithMetadata(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.ChunkDir = t.TempDir()
	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1

	local, err := buffer.NewLocalBuffer(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	queue := buffer.NewQueue(local, buffer.QueueOptions{}, nil)
	recorder := NewRecorder(&cfg, queue, nil, nil)

	path := filepath.Join(cfg.Paths.ChunkDir, "audio_test.wav")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	recorder.handleChunk("Built-in Microphone", path, 2*time.Second)

	items, err := local.GetNextBatch(1)
	if err != nil {
		t.Fatalf("GetNextBatch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	item := items[0]
	if item.Kind() != buffer.KindAudioChunk {
		t.Errorf("kind = %s", item.Kind())
	}
	if item.Metadata["device_class"] != string(DeviceInput) {
		t.Errorf("device_class = %v", item.Metadata["device_class"])
	}
	checksum, _ := item.Metadata["checksum"].(string)
	if len(checksum) < 8 || checksum[:7] != "sha256:" {
		t.Errorf("checksum = %q", checksum)
	}
	// The source file moved into the buffer.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("payload not moved into buffer")
	}
}
