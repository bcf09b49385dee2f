package video

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"retrace/internal/buffer"
	"retrace/internal/capture"
	"retrace/internal/config"
	"retrace/internal/encoder"
	"retrace/internal/fileutil"
	"retrace/internal/logging"
	"retrace/internal/pipeline"
)

// Mode is the capture-mode state machine position.
type Mode string

const (
	// ModeActive means per-monitor pipelines are live on the preferred
	// backend.
	ModeActive Mode = "active"
	// ModeDegraded means no pipelines are running and a retry is scheduled.
	ModeDegraded Mode = "degraded_retrying"
	// ModeLegacy means the fallback native-grab encoder is running after
	// retry exhaustion.
	ModeLegacy Mode = "legacy_active"
	// ModePaused means capture is suspended by a runtime toggle.
	ModePaused Mode = "paused"
)

const discoveryTimeout = 60 * time.Second

// ChunkQueue receives finalized chunks. *buffer.Queue satisfies it.
type ChunkQueue interface {
	EnqueueFile(path string, metadata map[string]any) (string, error)
}

// ChunkCatalog records local chunk history. Optional; failures are logged
// and never block capture.
type ChunkCatalog interface {
	RecordChunk(id, kind, source string, startedAt, endedAt time.Time, size int64, checksum string) error
}

// Health is the capture snapshot pushed with each heartbeat.
type Health struct {
	Mode                  Mode
	LastErrorCode         string
	LastErrorAt           time.Time
	Monitors              []string
	RestartBudgetExceeded bool
	DiskBlocked           bool
}

type monitorEntry struct {
	monitor  capture.MonitorInfo
	source   capture.MonitorSource
	pipe     *pipeline.Pipeline
	proc     *encoder.Process
	lastSeg  string
	segSeen  time.Time
	sourceUp bool
}

// legacyEncoder is the slice of the encoder process the orchestrator drives
// in native-grab fallback mode.
type legacyEncoder interface {
	Stop() string
	RestartBudgetExceeded() bool
}

// Recorder owns all screen capture: per-monitor pipelines, the mode state
// machine, topology watching, stall detection and the disk-space guard.
type Recorder struct {
	cfg      *config.Config
	provider capture.Provider
	queue    ChunkQueue
	catalog  ChunkCatalog
	logger   *slog.Logger
	hotplug  *hotplugMonitor
	nudgeCh  chan struct{}

	// freeBytes and startLegacy are swappable for tests.
	freeBytes   func(path string) (uint64, error)
	startLegacy func(ctx context.Context) (legacyEncoder, error)

	mu          sync.Mutex
	mode        Mode
	pausedFrom  Mode
	entries     map[string]*monitorEntry
	legacy      legacyEncoder
	fingerprint string
	retryCount  int
	retryAt     time.Time
	lastErrCode capture.ErrorCode
	lastErrAt   time.Time
	diskBlocked bool
	started     bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder builds the orchestrator. catalog may be nil.
func NewRecorder(cfg *config.Config, provider capture.Provider, queue ChunkQueue, catalog ChunkCatalog, logger *slog.Logger) *Recorder {
	r := &Recorder{
		cfg:       cfg,
		provider:  provider,
		queue:     queue,
		catalog:   catalog,
		logger:    logging.NewComponentLogger(logger, "video-recorder"),
		nudgeCh:   make(chan struct{}, 1),
		freeBytes: fileutil.FreeBytes,
		mode:      ModeDegraded,
		entries:   make(map[string]*monitorEntry),
	}
	r.hotplug = newHotplugMonitor(logger, r.NudgeTopology)
	r.startLegacy = r.launchLegacyEncoder
	return r
}

// Start brings capture up and launches the maintenance loops.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.started = true
	runCtx := r.runCtx
	r.mu.Unlock()

	r.hotplug.Start(runCtx)

	r.attempt(runCtx)

	r.wg.Add(2)
	go r.maintenanceLoop(runCtx)
	go r.topologyLoop(runCtx)
	return nil
}

// Stop tears everything down: topology watching first, then pipelines with
// their sources and encoders.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	r.hotplug.Stop()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCaptureLocked()
	r.mode = ModeDegraded
}

// Pause suspends capture via the runtime toggle. Preferred-backend sources
// stop while their pipelines and encoder processes are preserved so resume
// is cheap; the legacy native-grab encoder captures inside ffmpeg itself, so
// it must be torn down outright.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModePaused {
		return
	}
	r.pausedFrom = r.mode
	for _, entry := range r.entries {
		if entry.source != nil && entry.sourceUp {
			entry.source.Stop()
			entry.sourceUp = false
		}
	}
	if r.legacy != nil {
		r.legacy.Stop()
		r.legacy = nil
	}
	r.mode = ModePaused
	r.logger.Info("capture paused",
		logging.String(logging.FieldMode, string(ModePaused)),
		logging.String(logging.FieldEventType, "capture_paused"),
	)
}

// Resume restarts sources from cached pipeline state, falling back to a full
// rebuild if any source refuses to come back. A pause taken in legacy mode
// relaunches the native-grab encoder instead.
func (r *Recorder) Resume() {
	r.mu.Lock()
	if r.mode != ModePaused {
		r.mu.Unlock()
		return
	}
	if r.pausedFrom == ModeLegacy {
		r.enterLegacyLocked()
		r.mu.Unlock()
		r.logger.Info("capture resumed", logging.String(logging.FieldMode, string(r.Mode())))
		return
	}
	restored := true
	for _, entry := range r.entries {
		if entry.source == nil {
			continue
		}
		if err := entry.source.Start(r.runCtx); err != nil {
			r.logger.Warn("source resume failed, rebuilding",
				logging.Error(err),
				logging.String(logging.FieldMonitorID, entry.monitor.ID),
			)
			restored = false
			break
		}
		entry.sourceUp = true
	}
	r.mode = r.pausedFrom
	if r.mode == "" {
		r.mode = ModeDegraded
	}
	ctx := r.runCtx
	r.mu.Unlock()

	r.logger.Info("capture resumed", logging.String(logging.FieldMode, string(r.Mode())))
	if !restored {
		r.forceRestart(ctx)
	}
}

// NudgeTopology asks the topology watcher to re-check immediately.
func (r *Recorder) NudgeTopology() {
	select {
	case r.nudgeCh <- struct{}{}:
	default:
	}
}

// Mode returns the current capture mode.
func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Health snapshots capture state for the heartbeat.
func (r *Recorder) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	health := Health{
		Mode:        r.mode,
		LastErrorAt: r.lastErrAt,
		DiskBlocked: r.diskBlocked,
	}
	if r.lastErrCode != "" {
		health.LastErrorCode = string(r.lastErrCode)
	}
	for id, entry := range r.entries {
		health.Monitors = append(health.Monitors, id)
		if entry.proc != nil && entry.proc.RestartBudgetExceeded() {
			health.RestartBudgetExceeded = true
		}
	}
	if r.legacy != nil && r.legacy.RestartBudgetExceeded() {
		health.RestartBudgetExceeded = true
	}
	return health
}

// attempt runs one discovery-and-build cycle and applies the retry or
// fallback policy on failure.
func (r *Recorder) attempt(ctx context.Context) {
	r.mu.Lock()
	if r.mode == ModePaused || r.diskBlocked {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	monitors, err := r.provider.Monitors(discoverCtx)
	cancel()
	if err == nil {
		monitors = capture.SelectMonitors(monitors, r.cfg.Video.Monitors)
		if len(monitors) == 0 {
			err = capture.NewError(capture.CodeNoDisplays, fmt.Errorf("no monitors after selection"))
		}
	}
	if err != nil {
		r.handleStartFailure(err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModePaused || !r.started {
		return
	}
	r.stopCaptureLocked()
	if err := r.buildPipelinesLocked(ctx, monitors); err != nil {
		r.mu.Unlock()
		r.handleStartFailure(err)
		r.mu.Lock()
		return
	}
	r.mode = ModeActive
	r.retryCount = 0
	r.fingerprint = capture.TopologyFingerprint(monitors)
	r.logger.Info("capture active",
		logging.Int("monitors", len(monitors)),
		logging.String("backend", string(r.provider.Backend())),
		logging.String(logging.FieldMode, string(ModeActive)),
	)
}

func (r *Recorder) buildPipelinesLocked(ctx context.Context, monitors []capture.MonitorInfo) error {
	for _, monitor := range monitors {
		entry, err := r.buildEntry(ctx, monitor)
		if err != nil {
			r.stopCaptureLocked()
			return err
		}
		r.entries[monitor.ID] = entry
	}
	return nil
}

func (r *Recorder) buildEntry(ctx context.Context, monitor capture.MonitorInfo) (*monitorEntry, error) {
	proc, err := encoder.New(encoder.Options{
		Binary:        r.cfg.FFmpegBinary(),
		OutputDir:     r.cfg.Paths.ChunkDir,
		MonitorTag:    sanitizeTag(monitor.ID),
		Encoder:       r.cfg.Video.Encoder,
		ChunkDuration: time.Duration(r.cfg.Video.ChunkDuration) * time.Second,
		Quality:       r.cfg.Video.Quality,
		FPS:           r.cfg.Video.FPS,
		OnSegment: func(segment encoder.Segment) {
			r.onSegment(monitor, segment)
		},
		Logger: r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build encoder for %s: %w", monitor.ID, err)
	}

	pipe := pipeline.New(pipeline.Options{
		MonitorID:          monitor.ID,
		QueueMaxSize:       r.cfg.Video.QueueMaxSize,
		KeepaliveInterval:  time.Duration(r.cfg.Video.KeepaliveSeconds) * time.Second,
		StallWarnAfter:     time.Duration(r.cfg.Video.StallTimeoutSeconds) * time.Second / 2,
		WriteWarnThreshold: time.Duration(r.cfg.Video.WriteWarnMillis) * time.Millisecond,
		Logger:             r.logger,
	}, proc)
	if err := pipe.Start(ctx); err != nil {
		return nil, fmt.Errorf("start pipeline for %s: %w", monitor.ID, err)
	}

	source, err := r.provider.NewSource(monitor, r.cfg.Video.FPS, pipe.SubmitFrame)
	if err != nil {
		pipe.Stop()
		return nil, err
	}
	if err := source.Start(ctx); err != nil {
		pipe.Stop()
		return nil, err
	}

	return &monitorEntry{
		monitor:  monitor,
		source:   source,
		pipe:     pipe,
		proc:     proc,
		segSeen:  time.Now(),
		sourceUp: true,
	}, nil
}

// stopCaptureLocked tears down everything: sources first so no new frames
// arrive, then pipelines (which stop their encoders), then the legacy
// encoder.
func (r *Recorder) stopCaptureLocked() {
	for id, entry := range r.entries {
		if entry.source != nil && entry.sourceUp {
			entry.source.Stop()
		}
		if entry.pipe != nil {
			entry.pipe.Stop()
		}
		delete(r.entries, id)
	}
	if r.legacy != nil {
		r.legacy.Stop()
		r.legacy = nil
	}
}

func (r *Recorder) handleStartFailure(err error) {
	code := capture.Classify(err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErrCode = code
	r.lastErrAt = time.Now()
	r.retryCount++

	if r.retryCount > r.cfg.Video.BackendMaxRetries {
		r.logger.Error("backend retries exhausted, falling back to legacy capture",
			logging.Error(err),
			logging.String("code", string(code)),
			logging.Int("retries", r.retryCount),
			logging.String(logging.FieldEventType, "legacy_fallback"),
		)
		r.enterLegacyLocked()
		return
	}

	backoff := r.backoffFor(code)
	r.mode = ModeDegraded
	r.retryAt = time.Now().Add(backoff)
	r.logger.Warn("capture start failed, retry scheduled",
		logging.Error(err),
		logging.String("code", string(code)),
		logging.Int("retries", r.retryCount),
		logging.Duration("backoff", backoff),
		logging.String(logging.FieldMode, string(ModeDegraded)),
	)
}

// backoffFor gives permission failures a much longer pause than transient
// ones; prompting the user again quickly just annoys them.
func (r *Recorder) backoffFor(code capture.ErrorCode) time.Duration {
	if code == capture.CodePermissionDenied {
		return time.Duration(r.cfg.Video.PermissionBackoff) * time.Second
	}
	return time.Duration(r.cfg.Video.BackendRetryBackoff) * time.Second
}

func (r *Recorder) enterLegacyLocked() {
	r.stopCaptureLocked()

	proc, err := r.startLegacy(r.runCtx)
	if err != nil {
		r.logger.Error("legacy capture failed to start",
			logging.Error(err),
			logging.String(logging.FieldEventType, "legacy_start_failed"),
		)
		r.mode = ModeDegraded
		r.retryAt = time.Now().Add(r.backoffFor(capture.CodeUnknown))
		return
	}

	r.legacy = proc
	r.mode = ModeLegacy
	r.retryCount = 0
	r.retryAt = time.Now().Add(time.Duration(r.cfg.Video.RecoveryProbeSeconds) * time.Second)
}

// launchLegacyEncoder spawns the native-grab ffmpeg fallback.
func (r *Recorder) launchLegacyEncoder(ctx context.Context) (legacyEncoder, error) {
	proc, err := encoder.New(encoder.Options{
		Binary:        r.cfg.FFmpegBinary(),
		OutputDir:     r.cfg.Paths.ChunkDir,
		MonitorTag:    "legacy",
		Encoder:       r.cfg.Video.Encoder,
		NativeInput:   r.cfg.Video.NativeInput,
		ChunkDuration: time.Duration(r.cfg.Video.ChunkDuration) * time.Second,
		Quality:       r.cfg.Video.Quality,
		FPS:           r.cfg.Video.FPS,
		OnSegment: func(segment encoder.Segment) {
			r.onSegment(capture.MonitorInfo{ID: "legacy", Backend: "native-grab"}, segment)
		},
		Logger: r.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := proc.StartNativeCapture(ctx); err != nil {
		return nil, err
	}
	return proc, nil
}

// forceRestart tears capture down and retries immediately.
func (r *Recorder) forceRestart(ctx context.Context) {
	r.mu.Lock()
	r.stopCaptureLocked()
	r.mode = ModeDegraded
	r.mu.Unlock()
	r.attempt(ctx)
}

// maintenanceLoop drives retries, legacy recovery probes, the stall
// detector and the disk-space guard on a 1s cooperative tick.
func (r *Recorder) maintenanceLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	diskTick := time.NewTicker(30 * time.Second)
	defer diskTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-diskTick.C:
			r.checkDiskSpace(ctx)
		case <-ticker.C:
			r.maintenanceTick(ctx)
		}
	}
}

func (r *Recorder) maintenanceTick(ctx context.Context) {
	r.mu.Lock()
	mode := r.mode
	retryDue := !r.retryAt.IsZero() && time.Now().After(r.retryAt)
	blocked := r.diskBlocked
	r.mu.Unlock()

	if blocked || mode == ModePaused {
		return
	}

	switch mode {
	case ModeDegraded:
		if retryDue {
			r.attempt(ctx)
		}
	case ModeLegacy:
		if retryDue {
			r.probeRecovery(ctx)
		}
	case ModeActive:
		r.checkStalls(ctx)
	}
}

// probeRecovery re-attempts preferred-backend discovery while in legacy
// mode and rebuilds per-monitor pipelines on success.
func (r *Recorder) probeRecovery(ctx context.Context) {
	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	monitors, err := r.provider.Monitors(discoverCtx)
	cancel()

	r.mu.Lock()
	if err != nil || len(capture.SelectMonitors(monitors, r.cfg.Video.Monitors)) == 0 {
		r.retryAt = time.Now().Add(time.Duration(r.cfg.Video.RecoveryProbeSeconds) * time.Second)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Info("preferred backend recovered, leaving legacy mode",
		logging.String(logging.FieldEventType, "legacy_recovery"),
	)
	r.forceRestart(ctx)
}

// checkStalls forces a full backend restart when any pipeline's active
// segment has not advanced within the stall timeout while writes are also
// quiet or the writer is dead.
func (r *Recorder) checkStalls(ctx context.Context) {
	timeout := time.Duration(r.cfg.Video.StallTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return
	}

	r.mu.Lock()
	stalled := ""
	now := time.Now()
	for id, entry := range r.entries {
		seg := entry.proc.LastSegment()
		if seg != entry.lastSeg {
			entry.lastSeg = seg
			entry.segSeen = now
			continue
		}
		if now.Sub(entry.segSeen) < timeout {
			continue
		}
		writerDead := !entry.pipe.WriterAlive()
		writesQuiet := now.Sub(entry.pipe.LastWriteAt()) > timeout
		if writerDead || writesQuiet {
			stalled = id
			break
		}
	}
	r.mu.Unlock()

	if stalled == "" {
		return
	}
	r.logger.Error("pipeline stalled, forcing backend restart",
		logging.String(logging.FieldMonitorID, stalled),
		logging.Duration("stall_timeout", timeout),
		logging.String(logging.FieldEventType, "pipeline_stall"),
	)
	r.forceRestart(ctx)
}

// checkDiskSpace fully stops capture under the free-space floor and
// restarts from scratch once space recovers.
func (r *Recorder) checkDiskSpace(ctx context.Context) {
	free, err := r.freeBytes(r.cfg.Paths.ChunkDir)
	if err != nil {
		r.logger.Warn("free space check failed", logging.Error(err))
		return
	}
	floor := uint64(r.cfg.Video.MinFreeSpaceGiB) << 30

	r.mu.Lock()
	blocked := r.diskBlocked
	r.mu.Unlock()

	if !blocked && free < floor {
		r.logger.Error("free space below floor, stopping capture",
			logging.Uint64("free_bytes", free),
			logging.Uint64("floor_bytes", floor),
			logging.String(logging.FieldEventType, "disk_guard_stop"),
		)
		r.mu.Lock()
		r.stopCaptureLocked()
		r.diskBlocked = true
		r.mode = ModeDegraded
		r.mu.Unlock()
		return
	}

	if blocked && free >= floor {
		r.logger.Info("free space recovered, restarting capture",
			logging.Uint64("free_bytes", free),
			logging.String(logging.FieldEventType, "disk_guard_resume"),
		)
		r.mu.Lock()
		r.diskBlocked = false
		r.mu.Unlock()
		r.attempt(ctx)
	}
}

// topologyLoop watches for monitor set changes on its own cadence, with an
// immediate re-check when the hotplug monitor nudges it.
func (r *Recorder) topologyLoop(ctx context.Context) {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.Video.TopologyPollSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkTopology(ctx)
		case <-r.nudgeCh:
			r.checkTopology(ctx)
		}
	}
}

func (r *Recorder) checkTopology(ctx context.Context) {
	r.mu.Lock()
	mode := r.mode
	previous := r.fingerprint
	r.mu.Unlock()
	if mode != ModeActive {
		return
	}

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	monitors, err := r.provider.Monitors(discoverCtx)
	cancel()
	if err != nil {
		r.logger.Debug("topology check failed", logging.Error(err))
		return
	}

	current := capture.TopologyFingerprint(monitors)
	if current == previous {
		return
	}
	r.logger.Info("display topology changed, rebuilding pipelines",
		logging.String("fingerprint", current),
		logging.Int("monitors", len(monitors)),
		logging.String(logging.FieldEventType, "topology_change"),
	)
	r.forceRestart(ctx)
}

// onSegment finalizes one chunk: checksum and container probe, catalog
// record, then hand-off into the durable upload buffer.
func (r *Recorder) onSegment(monitor capture.MonitorInfo, segment encoder.Segment) {
	chunk, err := probeChunk(segment.Path)
	if err != nil {
		r.logger.Error("chunk probe failed",
			logging.Error(err),
			logging.String(logging.FieldChunkPath, segment.Path),
		)
		return
	}

	endedAt := time.Now()
	startedAt := endedAt.Add(-time.Duration((segment.EndOffset - segment.StartOffset) * float64(time.Second)))
	metadata := map[string]any{
		buffer.KeyKind: buffer.KindVideoChunk,
		"monitor_id":   monitor.ID,
		"backend":      monitor.Backend,
		"checksum":     chunk.Checksum,
		"size":         chunk.Size,
		"codec":        chunk.Codec,
		"duration":     chunk.Duration.Seconds(),
		"start_offset": segment.StartOffset,
		"end_offset":   segment.EndOffset,
		"started_at":   startedAt.UTC().Format(time.RFC3339),
		"ended_at":     endedAt.UTC().Format(time.RFC3339),
		"fps":          r.cfg.Video.FPS,
	}

	id, err := r.queue.EnqueueFile(segment.Path, metadata)
	if err != nil {
		r.logger.Error("chunk enqueue failed",
			logging.Error(err),
			logging.String(logging.FieldChunkPath, segment.Path),
		)
		return
	}
	r.logger.Info("video chunk buffered",
		logging.String(logging.FieldItemID, id),
		logging.String(logging.FieldMonitorID, monitor.ID),
		logging.Int64("size", chunk.Size),
		logging.String(logging.FieldChunkType, buffer.KindVideoChunk),
	)

	if r.catalog != nil {
		if err := r.catalog.RecordChunk(id, buffer.KindVideoChunk, monitor.ID, startedAt, endedAt, chunk.Size, chunk.Checksum); err != nil {
			r.logger.Warn("catalog record failed", logging.Error(err))
		}
	}
}

func sanitizeTag(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
