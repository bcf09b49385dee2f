package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"retrace/internal/audio"
	"retrace/internal/buffer"
	"retrace/internal/capture"
	"retrace/internal/catalog"
	"retrace/internal/config"
	"retrace/internal/logging"
	"retrace/internal/uploader"
	"retrace/internal/video"
)

// Agent owns the full capture stack: screen and audio recorders feeding the
// durable buffer, the upload consumer draining it, and the heartbeat loop
// that reports health and applies server-side toggles.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	queue    *buffer.Queue
	catalog  *catalog.Store
	recorder *video.Recorder
	audio    *audio.Recorder
	consumer *uploader.Consumer
	client   uploader.Client

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	paused bool
}

// New constructs the agent with all subsystems initialized but not started.
// A missing chunk catalog is tolerated; capture and upload run without local
// history.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	local, err := buffer.NewLocalBuffer(cfg.Paths.BufferDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open upload buffer: %w", err)
	}
	queue := buffer.NewQueue(local, buffer.QueueOptions{
		MaxBytes:        int64(cfg.Buffer.MaxSizeGiB) << 30,
		TTL:             time.Duration(cfg.Buffer.TTLDays) * 24 * time.Hour,
		CleanupInterval: time.Duration(cfg.Buffer.CleanupInterval) * time.Second,
	}, logger)

	store, err := catalog.Open(cfg.Paths.LogDir)
	if err != nil {
		logger.Warn("chunk catalog unavailable", logging.Error(err))
		store = nil
	}
	var videoCatalog video.ChunkCatalog
	var audioCatalog audio.ChunkCatalog
	var uploadCatalog uploader.ChunkCatalog
	if store != nil {
		videoCatalog = store
		audioCatalog = store
		uploadCatalog = store
	}

	provider := capture.NewProvider(logger)
	client := uploader.NewHTTPClient(cfg)

	lockPath := filepath.Join(cfg.Paths.LogDir, "retrace.lock")
	return &Agent{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		queue:    queue,
		catalog:  store,
		recorder: video.NewRecorder(cfg, provider, queue, videoCatalog, logger),
		audio:    audio.NewRecorder(cfg, queue, audioCatalog, logger),
		consumer: uploader.NewConsumer(queue, client, uploadCatalog, logger),
		client:   client,
	}, nil
}

// Start acquires the instance lock and brings every subsystem up. Audio
// failures are logged and skipped so screen capture keeps running.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Load() {
		return errors.New("agent already running")
	}

	ok, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another retrace agent is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.queue.Start(runCtx)
	if err := a.recorder.Start(runCtx); err != nil {
		a.logger.Error("video recorder start failed", logging.Error(err))
	}
	if err := a.audio.Start(); err != nil {
		a.logger.Warn("audio capture unavailable", logging.Error(err))
	}
	a.consumer.Start(runCtx)

	a.wg.Add(1)
	go a.heartbeatLoop(runCtx)

	a.running.Store(true)
	a.logger.Info("agent started", logging.String("lock", a.lockPath))
	return nil
}

// Stop tears the stack down in dependency order: producers first, then the
// upload consumer, then buffer maintenance and the catalog.
func (a *Agent) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// The heartbeat goroutine drives pause/resume; it must exit before the
	// subsystems it pokes start tearing down.
	a.wg.Wait()

	a.recorder.Stop()
	a.audio.Stop()
	a.consumer.Stop()
	a.queue.Stop()

	if err := a.catalog.Close(); err != nil {
		a.logger.Warn("catalog close failed", logging.Error(err))
	}
	if err := a.lock.Unlock(); err != nil {
		a.logger.Warn("failed to release instance lock", logging.Error(err))
	}
	a.logger.Info("agent stopped")
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := time.Duration(a.cfg.Server.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	a.beat(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

// beat pushes one health snapshot and applies the returned toggles. A failed
// heartbeat leaves the current toggle state untouched.
func (a *Agent) beat(ctx context.Context) {
	health := a.recorder.Health()
	depth, err := a.queue.Count()
	if err != nil {
		a.logger.Warn("buffer depth unavailable", logging.Error(err))
	}

	payload := uploader.HeartbeatPayload{
		CaptureMode:           string(health.Mode),
		LastErrorCode:         health.LastErrorCode,
		LastErrorAt:           health.LastErrorAt,
		Monitors:              health.Monitors,
		BufferDepth:           depth,
		RestartBudgetExceeded: health.RestartBudgetExceeded,
		AudioDevices:          a.audio.Active(),
	}

	toggles, err := a.client.Heartbeat(ctx, payload)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", logging.Error(err))
		}
		return
	}
	a.applyToggles(toggles)
}

// applyToggles reconciles local state with the server switches. The
// recording toggle suspends both capture paths; the upload toggle gates the
// consumer without touching capture.
func (a *Agent) applyToggles(toggles uploader.Toggles) {
	a.mu.Lock()
	paused := a.paused
	a.paused = !toggles.RecordingEnabled
	a.mu.Unlock()

	switch {
	case !toggles.RecordingEnabled && !paused:
		a.recorder.Pause()
		a.audio.Stop()
	case toggles.RecordingEnabled && paused:
		a.recorder.Resume()
		if err := a.audio.Start(); err != nil {
			a.logger.Warn("audio resume failed", logging.Error(err))
		}
	}

	a.consumer.SetEnabled(toggles.UploadEnabled)
}

// Status is a point-in-time agent summary for the CLI.
type Status struct {
	Running     bool
	Capture     video.Health
	BufferDepth int
	BufferBytes int64
}

// Status snapshots the running agent.
func (a *Agent) Status() Status {
	depth, _ := a.queue.Count()
	size, _ := a.queue.TotalSize()
	return Status{
		Running:     a.running.Load(),
		Capture:     a.recorder.Health(),
		BufferDepth: depth,
		BufferBytes: size,
	}
}
