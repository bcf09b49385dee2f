package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"retrace/internal/fileutil"
	"retrace/internal/logging"
)

// Metadata keys shared with producers and the upload consumer.
const (
	KeyKind = "kind"

	KindScreenshot = "screenshot"
	KindVideoChunk = "video_chunk"
	KindAudioChunk = "audio_chunk"
)

// ErrNotFound reports a lookup for an item that does not exist.
var ErrNotFound = errors.New("buffer item not found")

// Item is one pending upload: a payload file plus its metadata.
type Item struct {
	ID          string
	PayloadPath string
	Metadata    map[string]any
	ModTime     time.Time
}

// Kind returns the item's upload kind, defaulting to screenshot when the
// metadata carries none.
func (i Item) Kind() string {
	if kind, ok := i.Metadata[KeyKind].(string); ok && kind != "" {
		return kind
	}
	return KindScreenshot
}

// LocalBuffer stores items as `<id>.json` + `<id>.<ext>` pairs in one
// directory. All mutation is atomic rename or unlink, so concurrent readers
// never see partial writes.
type LocalBuffer struct {
	dir    string
	logger *slog.Logger
}

// NewLocalBuffer opens (creating if needed) the buffer directory.
func NewLocalBuffer(dir string, logger *slog.Logger) (*LocalBuffer, error) {
	if dir == "" {
		return nil, errors.New("buffer directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalBuffer{dir: dir, logger: logging.NewComponentLogger(logger, "buffer")}, nil
}

// Dir returns the buffer directory path.
func (b *LocalBuffer) Dir() string { return b.dir }

// Enqueue stores a payload with its metadata and returns the new item id.
// The metadata file lands only after the payload is durably on disk.
func (b *LocalBuffer) Enqueue(payload []byte, ext string, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	payloadPath := filepath.Join(b.dir, id+normalizeExt(ext))
	if err := fileutil.WriteFileAtomic(payloadPath, payload, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := b.writeMetadata(id, payloadPath, metadata); err != nil {
		_ = os.Remove(payloadPath)
		return "", err
	}
	return id, nil
}

// EnqueueFile moves an existing file into the buffer as an item payload. A
// cross-device rename falls back to copy-then-remove.
func (b *LocalBuffer) EnqueueFile(path string, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	payloadPath := filepath.Join(b.dir, id+normalizeExt(filepath.Ext(path)))
	if err := os.Rename(path, payloadPath); err != nil {
		if copyErr := fileutil.CopyFile(path, payloadPath); copyErr != nil {
			return "", fmt.Errorf("move payload into buffer: %w", err)
		}
		_ = os.Remove(path)
	}
	if err := b.writeMetadata(id, payloadPath, metadata); err != nil {
		_ = os.Remove(payloadPath)
		return "", err
	}
	return id, nil
}

func (b *LocalBuffer) writeMetadata(id, payloadPath string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	record := map[string]any{
		"id":       id,
		"payload":  filepath.Base(payloadPath),
		"metadata": metadata,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	metaPath := filepath.Join(b.dir, id+".json")
	if err := fileutil.WriteFileAtomic(metaPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// GetNextBatch returns up to limit complete items, oldest first by metadata
// modification time (item id breaks ties). Orphaned metadata whose payload
// is missing is deleted and skipped.
func (b *LocalBuffer) GetNextBatch(limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read buffer directory: %w", err)
	}

	var items []Item
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		item, ok := b.loadItem(entry.Name())
		if !ok {
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].ID < items[j].ID
		}
		return items[i].ModTime.Before(items[j].ModTime)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// loadItem reads one metadata file and verifies its payload exists. Orphans
// and unreadable metadata are reaped in place.
func (b *LocalBuffer) loadItem(metaName string) (Item, bool) {
	metaPath := filepath.Join(b.dir, metaName)
	encoded, err := os.ReadFile(metaPath)
	if err != nil {
		return Item{}, false
	}
	var record struct {
		ID       string         `json:"id"`
		Payload  string         `json:"payload"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(encoded, &record); err != nil || record.Payload == "" {
		b.logger.Warn("removing unreadable buffer metadata", logging.String("file", metaName))
		_ = os.Remove(metaPath)
		return Item{}, false
	}

	payloadPath := filepath.Join(b.dir, record.Payload)
	if _, err := os.Stat(payloadPath); err != nil {
		b.logger.Warn("removing orphaned buffer metadata",
			logging.String(logging.FieldItemID, record.ID),
		)
		_ = os.Remove(metaPath)
		return Item{}, false
	}

	info, err := os.Stat(metaPath)
	if err != nil {
		return Item{}, false
	}
	if record.ID == "" {
		record.ID = strings.TrimSuffix(metaName, ".json")
	}
	return Item{
		ID:          record.ID,
		PayloadPath: payloadPath,
		Metadata:    record.Metadata,
		ModTime:     info.ModTime(),
	}, true
}

// Commit deletes the file pair for each id. Already-deleted items are a
// no-op, so retrying a commit is always safe.
func (b *LocalBuffer) Commit(ids ...string) error {
	for _, id := range ids {
		if err := b.removePair(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *LocalBuffer) removePair(id string) error {
	matches, err := filepath.Glob(filepath.Join(b.dir, id+".*"))
	if err != nil {
		return fmt.Errorf("glob buffer item %s: %w", id, err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// Count returns the number of complete items.
func (b *LocalBuffer) Count() (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("read buffer directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if _, ok := b.loadItem(entry.Name()); ok {
			count++
		}
	}
	return count, nil
}

// TotalSize returns the byte size of everything in the buffer directory.
func (b *LocalBuffer) TotalSize() (int64, error) {
	return fileutil.DirSize(b.dir)
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}
