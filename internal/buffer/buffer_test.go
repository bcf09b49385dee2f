package buffer

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestBuffer(t *testing.T) *LocalBuffer {
	t.Helper()
	local, err := NewLocalBuffer(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocalBuffer: %v", err)
	}
	return local
}

func TestEnqueueRoundTrip(t *testing.T) {
	local := newTestBuffer(t)
	metadata := map[string]any{
		KeyKind:    KindVideoChunk,
		"checksum": "sha256:abc",
		"nested":   map[string]any{"monitor": "display-0", "fps": float64(1)},
	}

	id, err := local.Enqueue([]byte("payload"), ".mp4", metadata)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	items, err := local.GetNextBatch(1)
	if err != nil {
		t.Fatalf("GetNextBatch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	item := items[0]
	if item.ID != id {
		t.Errorf("id = %s, want %s", item.ID, id)
	}
	if !reflect.DeepEqual(item.Metadata, metadata) {
		t.Errorf("metadata = %#v, want %#v", item.Metadata, metadata)
	}
	payload, err := os.ReadFile(item.PayloadPath)
	if err != nil || string(payload) != "payload" {
		t.Errorf("payload = %q, %v", payload, err)
	}
}

func TestEnqueueFileMovesPayload(t *testing.T) {
	local := newTestBuffer(t)
	src := filepath.Join(t.TempDir(), "chunk_0000.mp4")
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := local.EnqueueFile(src, map[string]any{KeyKind: KindVideoChunk})
	if err != nil {
		t.Fatalf("EnqueueFile: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source file should be gone after enqueue")
	}
	if _, err := os.Stat(filepath.Join(local.Dir(), id+".mp4")); err != nil {
		t.Errorf("payload not in buffer: %v", err)
	}
}

func TestOrphanedMetadataReaped(t *testing.T) {
	local := newTestBuffer(t)
	id, err := local.Enqueue([]byte("data"), ".wav", map[string]any{KeyKind: KindAudioChunk})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := os.Remove(filepath.Join(local.Dir(), id+".wav")); err != nil {
		t.Fatal(err)
	}

	items, err := local.GetNextBatch(10)
	if err != nil {
		t.Fatalf("GetNextBatch: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("orphan returned: %v", items)
	}
	if _, err := os.Stat(filepath.Join(local.Dir(), id+".json")); !os.IsNotExist(err) {
		t.Error("orphaned metadata not removed")
	}
}

func TestGetNextBatchOldestFirst(t *testing.T) {
	local := newTestBuffer(t)
	first, err := local.Enqueue([]byte("a"), ".bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := local.Enqueue([]byte("b"), ".bin", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Force distinct, ordered mtimes; filesystems may round timestamps.
	base := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(local.Dir(), first+".json"), base, base); err != nil {
		t.Fatal(err)
	}
	later := base.Add(time.Minute)
	if err := os.Chtimes(filepath.Join(local.Dir(), second+".json"), later, later); err != nil {
		t.Fatal(err)
	}

	items, err := local.GetNextBatch(1)
	if err != nil {
		t.Fatalf("GetNextBatch: %v", err)
	}
	if len(items) != 1 || items[0].ID != first {
		t.Fatalf("batch = %v, want oldest item %s", items, first)
	}
}

func TestCommitIdempotent(t *testing.T) {
	local := newTestBuffer(t)
	id, err := local.Enqueue([]byte("data"), ".webp", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := local.Commit(id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if count, _ := local.Count(); count != 0 {
		t.Errorf("count after commit = %d", count)
	}
	if err := local.Commit(id); err != nil {
		t.Fatalf("second Commit must be a no-op, got %v", err)
	}
}

func TestItemKindDefaultsToScreenshot(t *testing.T) {
	if got := (Item{Metadata: map[string]any{}}).Kind(); got != KindScreenshot {
		t.Errorf("Kind = %s, want %s", got, KindScreenshot)
	}
	if got := (Item{Metadata: map[string]any{KeyKind: KindAudioChunk}}).Kind(); got != KindAudioChunk {
		t.Errorf("Kind = %s, want %s", got, KindAudioChunk)
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		60 * time.Second, 300 * time.Second, 900 * time.Second,
		3600 * time.Second, 21600 * time.Second,
	}
	for i, expect := range want {
		if got := Backoff(i + 1); got != expect {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, expect)
		}
	}
	if got := Backoff(100); got != 21600*time.Second {
		t.Errorf("Backoff(100) = %s, want 21600s", got)
	}
	if got := Backoff(0); got != 60*time.Second {
		t.Errorf("Backoff(0) = %s, want clamp to first entry", got)
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	local := newTestBuffer(t)
	queue := NewQueue(local, QueueOptions{MaxBytes: 3 * 1024}, nil)

	payload := make([]byte, 1024)
	var ids []string
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		id, err := local.Enqueue(payload, ".bin", nil)
		if err != nil {
			t.Fatal(err)
		}
		at := base.Add(time.Duration(i) * time.Minute)
		for _, suffix := range []string{".json", ".bin"} {
			if err := os.Chtimes(filepath.Join(local.Dir(), id+suffix), at, at); err != nil {
				t.Fatal(err)
			}
		}
		ids = append(ids, id)
	}

	if err := queue.EnforceCapacity(); err != nil {
		t.Fatalf("EnforceCapacity: %v", err)
	}

	size, err := queue.TotalSize()
	if err != nil {
		t.Fatal(err)
	}
	if size > 3*1024 {
		t.Errorf("size after eviction = %d, want <= %d", size, 3*1024)
	}
	// The oldest item must be the first to go.
	if _, err := os.Stat(filepath.Join(local.Dir(), ids[0]+".bin")); !os.IsNotExist(err) {
		t.Error("oldest item survived eviction")
	}
	if _, err := os.Stat(filepath.Join(local.Dir(), ids[3]+".bin")); err != nil {
		t.Error("newest item evicted")
	}
}

func TestCleanupExpired(t *testing.T) {
	local := newTestBuffer(t)
	queue := NewQueue(local, QueueOptions{TTL: 24 * time.Hour}, nil)

	oldID, err := local.Enqueue([]byte("old"), ".bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	freshID, err := local.Enqueue([]byte("fresh"), ".bin", nil)
	if err != nil {
		t.Fatal(err)
	}

	stale := time.Now().Add(-48 * time.Hour)
	for _, suffix := range []string{".json", ".bin"} {
		if err := os.Chtimes(filepath.Join(local.Dir(), oldID+suffix), stale, stale); err != nil {
			t.Fatal(err)
		}
	}

	if err := queue.CleanupExpired(); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}

	if _, err := os.Stat(filepath.Join(local.Dir(), oldID+".bin")); !os.IsNotExist(err) {
		t.Error("expired item survived cleanup")
	}
	if _, err := os.Stat(filepath.Join(local.Dir(), freshID+".bin")); err != nil {
		t.Error("fresh item removed by cleanup")
	}
}
