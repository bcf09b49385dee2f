package uploader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"retrace/internal/buffer"
	"retrace/internal/logging"
)

const idlePollInterval = 2 * time.Second
const disabledPollInterval = 5 * time.Second

// ItemSource is the buffer surface the consumer drains. *buffer.Queue
// satisfies it.
type ItemSource interface {
	GetNextBatch(limit int) ([]buffer.Item, error)
	Commit(ids ...string) error
}

// ChunkCatalog marks chunks uploaded. Optional.
type ChunkCatalog interface {
	MarkUploaded(id string, at time.Time) error
}

// Consumer is the single background worker that drains the buffer. Exactly
// one item is in flight at a time; an item is deleted only after the server
// confirms it, and a failed item stays untouched through its backoff.
type Consumer struct {
	source  ItemSource
	client  Client
	catalog ChunkCatalog
	logger  *slog.Logger

	// sleep is the interruptible wait; tests substitute a recorder. It
	// returns false when the context ended during the wait.
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	retries map[string]int
	enabled bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer builds the worker. catalog may be nil.
func NewConsumer(source ItemSource, client Client, catalog ChunkCatalog, logger *slog.Logger) *Consumer {
	return &Consumer{
		source:  source,
		client:  client,
		catalog: catalog,
		logger:  logging.NewComponentLogger(logger, "upload-consumer"),
		sleep:   sleepCtx,
		retries: make(map[string]int),
		enabled: true,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SetEnabled gates uploads at runtime; the heartbeat loop drives it.
func (c *Consumer) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled != enabled {
		c.logger.Info("upload gate changed", logging.Bool("enabled", enabled))
	}
	c.enabled = enabled
}

// Enabled reports the current upload gate.
func (c *Consumer) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Start launches the worker loop.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
}

// Stop signals the worker and waits for it. An in-flight upload is allowed
// to finish; a backoff sleep is interrupted immediately.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		if !c.Enabled() {
			if !c.sleep(ctx, disabledPollInterval) {
				return
			}
			continue
		}

		// limit=1 keeps FIFO strict and a single upload in flight.
		batch, err := c.source.GetNextBatch(1)
		if err != nil {
			c.logger.Error("buffer read failed", logging.Error(err))
			if !c.sleep(ctx, idlePollInterval) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !c.sleep(ctx, idlePollInterval) {
				return
			}
			continue
		}

		c.processItem(ctx, batch[0])
	}
}

// processItem uploads one item fully: success commits it, failure leaves
// both files in place and sleeps the retry backoff. The stop signal is
// checked before and after the network call so an in-flight upload
// completes but no new one starts.
func (c *Consumer) processItem(ctx context.Context, item buffer.Item) {
	if ctx.Err() != nil {
		return
	}

	ok, err := c.dispatch(ctx, item)

	if ok && err == nil {
		if commitErr := c.source.Commit(item.ID); commitErr != nil {
			c.logger.Error("commit failed after upload",
				logging.Error(commitErr),
				logging.String(logging.FieldItemID, item.ID),
			)
			return
		}
		c.mu.Lock()
		delete(c.retries, item.ID)
		c.mu.Unlock()
		c.logger.Info("item uploaded",
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldChunkType, item.Kind()),
		)
		if c.catalog != nil {
			if err := c.catalog.MarkUploaded(item.ID, time.Now()); err != nil {
				c.logger.Warn("catalog update failed", logging.Error(err))
			}
		}
		return
	}

	if ctx.Err() != nil {
		// Stop arrived during the upload; keep the item for next run.
		return
	}

	c.mu.Lock()
	c.retries[item.ID]++
	retry := c.retries[item.ID]
	c.mu.Unlock()

	backoff := buffer.Backoff(retry)
	c.logger.Warn("upload failed, backing off",
		logging.Error(err),
		logging.String(logging.FieldItemID, item.ID),
		logging.String(logging.FieldChunkType, item.Kind()),
		logging.Int("retry", retry),
		logging.Duration("backoff", backoff),
	)
	c.sleep(ctx, backoff)
}

// dispatch routes by item kind; items without an explicit kind upload as
// screenshots.
func (c *Consumer) dispatch(ctx context.Context, item buffer.Item) (bool, error) {
	switch item.Kind() {
	case buffer.KindVideoChunk:
		return c.uploadVideo(ctx, item)
	case buffer.KindAudioChunk:
		return c.client.UploadAudioChunk(ctx, item.PayloadPath, item.Metadata)
	default:
		return c.client.UploadScreenshot(ctx, item.PayloadPath, item.Metadata)
	}
}

// uploadVideo probes the server for a resume offset when this item has
// already failed at least once, so a large chunk continues mid-file instead
// of restarting.
func (c *Consumer) uploadVideo(ctx context.Context, item buffer.Item) (bool, error) {
	var resumeOffset int64

	c.mu.Lock()
	retried := c.retries[item.ID] > 0
	c.mu.Unlock()

	if retried {
		if checksum, ok := item.Metadata["checksum"].(string); ok && checksum != "" {
			status, err := c.client.Status(ctx, checksum)
			if err != nil {
				c.logger.Debug("resume probe failed", logging.Error(err))
			} else if status.Exists && status.BytesReceived > 0 {
				resumeOffset = status.BytesReceived
				c.logger.Info("resuming partial video upload",
					logging.String(logging.FieldItemID, item.ID),
					logging.Int64("resume_offset", resumeOffset),
				)
			}
		}
	}

	return c.client.UploadVideoChunk(ctx, item.PayloadPath, item.Metadata, resumeOffset)
}
