package buffer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"retrace/internal/logging"
)

// backoffSchedule is indexed by 1-based retry count and clamped at the tail.
var backoffSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	21600 * time.Second,
}

// Backoff returns the upload retry delay for the given 1-based retry count.
func Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	idx := retry - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// QueueOptions bounds the upload queue.
type QueueOptions struct {
	// MaxBytes is the buffer directory size ceiling. Default 100 GiB.
	MaxBytes int64
	// TTL evicts items older than this. Default 7 days.
	TTL time.Duration
	// CleanupInterval is the sweep cadence. Default 10 minutes.
	CleanupInterval time.Duration
}

// Queue wraps a LocalBuffer with capacity eviction and TTL cleanup. Capacity
// is enforced on every enqueue; the TTL sweep runs on its own ticker.
type Queue struct {
	*LocalBuffer
	opts   QueueOptions
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue builds the queue around an existing buffer.
func NewQueue(local *LocalBuffer, opts QueueOptions, logger *slog.Logger) *Queue {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 << 30
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{
		LocalBuffer: local,
		opts:        opts,
		logger:      logging.NewComponentLogger(logger, "upload-queue"),
	}
}

// Start launches the periodic cleanup sweep.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.sweepLoop(runCtx)
}

// Stop halts the cleanup sweep.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.CleanupExpired(); err != nil {
				q.logger.Warn("ttl cleanup failed", logging.Error(err))
			}
			if err := q.EnforceCapacity(); err != nil {
				q.logger.Warn("capacity eviction failed", logging.Error(err))
			}
		}
	}
}

// Enqueue stores a payload and then enforces the byte ceiling.
func (q *Queue) Enqueue(payload []byte, ext string, metadata map[string]any) (string, error) {
	id, err := q.LocalBuffer.Enqueue(payload, ext, metadata)
	if err != nil {
		return "", err
	}
	if err := q.EnforceCapacity(); err != nil {
		q.logger.Warn("capacity eviction failed", logging.Error(err))
	}
	return id, nil
}

// EnqueueFile moves a file into the buffer and then enforces the ceiling.
func (q *Queue) EnqueueFile(path string, metadata map[string]any) (string, error) {
	id, err := q.LocalBuffer.EnqueueFile(path, metadata)
	if err != nil {
		return "", err
	}
	if err := q.EnforceCapacity(); err != nil {
		q.logger.Warn("capacity eviction failed", logging.Error(err))
	}
	return id, nil
}

// EnforceCapacity deletes the globally oldest file pairs until the buffer
// directory fits under the byte ceiling.
func (q *Queue) EnforceCapacity() error {
	size, err := q.TotalSize()
	if err != nil {
		return err
	}
	if size <= q.opts.MaxBytes {
		return nil
	}

	items, err := q.GetNextBatch(1 << 20)
	if err != nil {
		return err
	}
	for _, item := range items {
		if size <= q.opts.MaxBytes {
			break
		}
		var freed int64
		if info, err := os.Stat(item.PayloadPath); err == nil {
			freed += info.Size()
		}
		if info, err := os.Stat(filepath.Join(q.Dir(), item.ID+".json")); err == nil {
			freed += info.Size()
		}
		if err := q.Commit(item.ID); err != nil {
			return err
		}
		size -= freed
		q.logger.Warn("evicted buffer item over capacity",
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldChunkType, item.Kind()),
			logging.Int64("buffer_bytes", size),
		)
	}
	return nil
}

// CleanupExpired removes any buffer file older than the TTL, pairs or not.
func (q *Queue) CleanupExpired() error {
	cutoff := time.Now().Add(-q.opts.TTL)
	entries, err := os.ReadDir(q.Dir())
	if err != nil {
		return err
	}

	// Sort for deterministic logs; correctness only needs the cutoff.
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(q.Dir(), name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		q.logger.Info("expired buffer file removed",
			logging.String("file", name),
			logging.Time("modified", info.ModTime()),
		)
	}
	return nil
}
