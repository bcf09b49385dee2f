package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"retrace/internal/capture"
	"retrace/internal/logging"
)

// ErrBrokenPipe reports that the encoder's stdin is gone, either because the
// process exited or its pipe closed under us. Callers recover by triggering
// a reconfigure.
var ErrBrokenPipe = errors.New("encoder pipe broken")

const (
	watchdogInterval = time.Second
	stopWait         = 5 * time.Second
	restartWindow    = time.Hour
	restartBudget    = 20
)

// Options configures one encoder process manager.
type Options struct {
	// Binary is the encoder executable, typically "ffmpeg".
	Binary string
	// OutputDir receives chunk files and the segment manifest.
	OutputDir string
	// MonitorTag qualifies output filenames when several managers share a
	// directory. May be empty.
	MonitorTag string
	// Encoder is the video codec name; hardware encoders fall back to
	// software once after a crash.
	Encoder string
	// NativeInput overrides the screen-grab input spec in native mode.
	NativeInput   string
	ChunkDuration time.Duration
	Quality       int
	FPS           int
	// OnSegment fires once per newly finalized chunk, from the watchdog
	// goroutine.
	OnSegment func(Segment)
	Logger    *slog.Logger
}

// Process owns one encoder subprocess and its watchdog. At most one
// subprocess is alive at a time; every restart fully terminates the previous
// instance first.
type Process struct {
	opts   Options
	runner commandRunner
	logger *slog.Logger

	// writeMu serializes stdin writes against stdin close so stop and write
	// never interleave on the pipe.
	writeMu sync.Mutex

	mu             sync.Mutex
	runCtx         context.Context
	proc           runningProcess
	stdin          io.WriteCloser
	profile        capture.PixelFormatProfile
	nativeMode     bool
	started        bool
	stopping       bool
	encoderName    string
	swFallbackUsed bool
	known          map[string]struct{}
	lastSegment    string
	restarts       []time.Time

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

// New validates the options and builds a manager. The subprocess is not
// started until StartWithProfile or StartNativeCapture.
func New(opts Options) (*Process, error) {
	if opts.Binary == "" {
		return nil, errors.New("encoder binary is required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("encoder output directory is required")
	}
	if opts.ChunkDuration <= 0 {
		return nil, errors.New("chunk duration must be positive")
	}
	if opts.FPS <= 0 {
		opts.FPS = 1
	}
	if opts.Encoder == "" {
		opts.Encoder = softwareEncoder
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Process{
		opts:        opts,
		runner:      execRunner{},
		logger:      logging.NewComponentLogger(opts.Logger, "encoder"),
		encoderName: opts.Encoder,
		known:       make(map[string]struct{}),
	}, nil
}

// WithRunner overrides subprocess launching, for tests.
func (p *Process) WithRunner(runner commandRunner) *Process {
	p.runner = runner
	return p
}

// StartNativeCapture launches the encoder in screen-grab mode. No frame feed
// is needed; the process produces segments on its own.
func (p *Process) StartNativeCapture(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.runCtx = ctx
	p.nativeMode = true
	if err := p.startLocked(); err != nil {
		return err
	}
	p.startWatchdogLocked(ctx)
	p.started = true
	return nil
}

// StartWithProfile launches the encoder in raw-frame stdin mode for the
// given frame layout.
func (p *Process) StartWithProfile(ctx context.Context, profile capture.PixelFormatProfile) error {
	if !profile.Valid() {
		return fmt.Errorf("invalid pixel format profile %s", profile)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.runCtx = ctx
	p.nativeMode = false
	p.profile = profile
	if err := p.startLocked(); err != nil {
		return err
	}
	p.startWatchdogLocked(ctx)
	p.started = true
	return nil
}

// Reconfigure restarts the encoder under a new profile. It reports whether a
// restart actually happened; a matching profile with a live process is a
// no-op.
func (p *Process) Reconfigure(profile capture.PixelFormatProfile) (bool, error) {
	if !profile.Valid() {
		return false, fmt.Errorf("invalid pixel format profile %s", profile)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopping {
		return false, errors.New("encoder not running")
	}
	if p.profile.Equal(profile) && p.processAliveLocked() {
		return false, nil
	}
	p.profile = profile
	if err := p.restartLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Restart tears down the current subprocess and starts a fresh one,
// optionally under a new profile.
func (p *Process) Restart(profile *capture.PixelFormatProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopping {
		return errors.New("encoder not running")
	}
	if profile != nil {
		p.profile = *profile
	}
	return p.restartLocked()
}

// WriteFrame sends one raw frame to the encoder's stdin and returns the
// observed write latency. It fails with ErrBrokenPipe when the process or
// its pipe is gone.
func (p *Process) WriteFrame(data []byte) (time.Duration, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	stdin := p.stdin
	alive := p.processAliveLocked()
	p.mu.Unlock()

	if stdin == nil || !alive {
		return 0, ErrBrokenPipe
	}

	start := time.Now()
	if _, err := stdin.Write(data); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	return time.Since(start), nil
}

// Stop terminates the subprocess and returns the path of the last finalized
// segment, discovered during a final manifest poll. It never blocks on the
// write lock; an in-flight write is unblocked by process death instead.
func (p *Process) Stop() string {
	p.mu.Lock()
	if p.stopping || !p.started {
		last := p.lastSegment
		p.mu.Unlock()
		return last
	}
	p.stopping = true
	watchCancel := p.watchCancel
	p.watchCancel = nil
	proc := p.proc
	stdin := p.stdin
	p.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
	}
	p.watchWG.Wait()

	if proc != nil {
		p.terminateProcess(proc)
	}
	p.closeStdinIfUncontended(stdin)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.proc = nil
	p.stdin = nil
	p.started = false
	p.pollManifestLocked()
	return p.lastSegment
}

// RestartBudgetExceeded reports whether restarts in the rolling window have
// passed the budget. It is a health signal only, never fatal.
func (p *Process) RestartBudgetExceeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneRestartsLocked()
	return len(p.restarts) > restartBudget
}

// RestartsInWindow returns the restart count inside the rolling window.
func (p *Process) RestartsInWindow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneRestartsLocked()
	return len(p.restarts)
}

// LastSegment returns the most recently finalized segment path.
func (p *Process) LastSegment() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSegment
}

func (p *Process) processAliveLocked() bool {
	if p.proc == nil {
		return false
	}
	select {
	case <-p.proc.Done():
		return false
	default:
		return true
	}
}

func (p *Process) startLocked() error {
	var args []string
	if p.nativeMode {
		args = p.nativeCaptureArgs(p.encoderName)
	} else {
		args = p.rawFrameArgs(p.profile, p.encoderName)
	}

	proc, err := p.runner.Start(p.runCtx, p.opts.Binary, args)
	if err != nil {
		return fmt.Errorf("launch encoder: %w", err)
	}
	p.proc = proc
	p.stdin = proc.Stdin()

	p.logger.Info("encoder started",
		logging.String("codec", p.encoderName),
		logging.Bool("native_mode", p.nativeMode),
		logging.String(logging.FieldMonitorID, p.opts.MonitorTag),
	)
	return nil
}

// restartLocked fully terminates the current subprocess before launching a
// replacement, and records the restart for rate accounting.
func (p *Process) restartLocked() error {
	proc := p.proc
	stdin := p.stdin
	p.proc = nil
	p.stdin = nil
	if proc != nil {
		p.mu.Unlock()
		p.terminateProcess(proc)
		p.closeStdinIfUncontended(stdin)
		p.mu.Lock()
	}

	p.restarts = append(p.restarts, time.Now())
	p.pruneRestartsLocked()
	if len(p.restarts) > restartBudget {
		p.logger.Warn("encoder restart budget exceeded",
			logging.Int("restarts_in_window", len(p.restarts)),
			logging.String(logging.FieldEventType, "encoder_restart_budget"),
		)
	}
	return p.startLocked()
}

func (p *Process) terminateProcess(proc runningProcess) {
	select {
	case <-proc.Done():
		return
	default:
	}
	_ = proc.Terminate()
	select {
	case <-proc.Done():
	case <-time.After(stopWait):
		_ = proc.Kill()
		<-proc.Done()
	}
}

// closeStdinIfUncontended closes the write side only when no writer holds
// the lock, so stop never deadlocks behind a blocked pipe write. A writer
// stuck on the pipe is unblocked by process death instead.
func (p *Process) closeStdinIfUncontended(stdin io.WriteCloser) {
	if stdin == nil {
		return
	}
	if !p.writeMu.TryLock() {
		return
	}
	defer p.writeMu.Unlock()
	_ = stdin.Close()
}

func (p *Process) pruneRestartsLocked() {
	cutoff := time.Now().Add(-restartWindow)
	kept := p.restarts[:0]
	for _, at := range p.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	p.restarts = kept
}

func (p *Process) startWatchdogLocked(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	p.watchCancel = cancel
	p.watchWG.Add(1)
	go p.watchdog(watchCtx)
}

// watchdog polls the segment manifest and checks process liveness once per
// tick. A crashed process is restarted in place; a hardware encoder that
// crashed gets substituted with the software encoder exactly once.
func (p *Process) watchdog(ctx context.Context) {
	defer p.watchWG.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Process) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return
	}

	p.pollManifestLocked()

	if p.proc == nil || p.processAliveLocked() {
		return
	}

	exitCode := p.proc.ExitCode()
	tail := p.proc.StderrTail()
	p.logger.Error("encoder exited unexpectedly",
		logging.Int("exit_code", exitCode),
		logging.String("stderr_tail", tail),
		logging.String("codec", p.encoderName),
		logging.String(logging.FieldEventType, "encoder_crash"),
	)

	if isHardwareEncoder(p.encoderName) && !p.swFallbackUsed {
		p.logger.Warn("substituting software encoder after hardware encoder crash",
			logging.String("from", p.encoderName),
			logging.String("to", softwareEncoder),
			logging.String(logging.FieldEventType, "encoder_sw_fallback"),
		)
		p.encoderName = softwareEncoder
		p.swFallbackUsed = true
	}

	if err := p.restartLocked(); err != nil {
		p.logger.Error("encoder restart failed", logging.Error(err))
	}
}

// pollManifestLocked diffs the manifest against the known-segments set and
// fires the completion callback for each new segment whose file exists. The
// existence check guards against manifest rows written ahead of the chunk's
// fsync.
func (p *Process) pollManifestLocked() {
	segments, err := readManifest(p.manifestPath())
	if err != nil {
		p.logger.Debug("manifest read failed", logging.Error(err))
		return
	}
	for _, segment := range segments {
		if _, seen := p.known[segment.Path]; seen {
			continue
		}
		if _, err := os.Stat(segment.Path); err != nil {
			continue
		}
		p.known[segment.Path] = struct{}{}
		p.lastSegment = segment.Path
		p.logger.Info("segment finalized",
			logging.String(logging.FieldChunkPath, segment.Path),
			logging.Float64("start_offset", segment.StartOffset),
			logging.Float64("end_offset", segment.EndOffset),
		)
		if p.opts.OnSegment != nil {
			callback := p.opts.OnSegment
			p.mu.Unlock()
			callback(segment)
			p.mu.Lock()
		}
	}
}
