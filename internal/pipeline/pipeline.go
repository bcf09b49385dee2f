package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"retrace/internal/capture"
	"retrace/internal/encoder"
	"retrace/internal/logging"
)

// State is the pipeline lifecycle phase.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

// FrameSink is the encoder surface a pipeline drives. *encoder.Process
// satisfies it; tests use fakes.
type FrameSink interface {
	StartWithProfile(ctx context.Context, profile capture.PixelFormatProfile) error
	Reconfigure(profile capture.PixelFormatProfile) (bool, error)
	WriteFrame(data []byte) (time.Duration, error)
	Stop() string
}

// Options configures one monitor pipeline.
type Options struct {
	MonitorID string
	// QueueMaxSize bounds the frame queue; a full queue drops its oldest
	// entry to admit the newest. Default 64.
	QueueMaxSize int
	// KeepaliveInterval is how long the writer waits for a frame before
	// re-emitting the last one. Default 1s.
	KeepaliveInterval time.Duration
	// StallWarnAfter is the quiet period after which a one-shot stall
	// warning is logged. Default 30s.
	StallWarnAfter time.Duration
	// WriteWarnThreshold logs individual writes slower than this. Zero
	// disables the per-write warning.
	WriteWarnThreshold time.Duration
	Logger             *slog.Logger
}

type queuedFrame struct {
	data       []byte
	profile    capture.PixelFormatProfile
	generation uint64
	capturedAt time.Time
}

// Pipeline bridges raw frames from one monitor to one encoder process.
type Pipeline struct {
	opts    Options
	sink    FrameSink
	logger  *slog.Logger
	latency latencyWindow

	mu         sync.Mutex
	state      State
	generation uint64
	profile    capture.PixelFormatProfile
	hasProfile bool
	queue      []queuedFrame
	queueCond  *sync.Cond
	stats      Stats
	recovering bool
	lastFrame  []byte
	lastSubmit time.Time
	lastWrite  time.Time
	stallSeen  bool
	runCtx     context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}
}

// New builds a pipeline around the given encoder sink.
func New(opts Options, sink FrameSink) *Pipeline {
	if opts.QueueMaxSize <= 0 {
		opts.QueueMaxSize = 64
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = time.Second
	}
	if opts.StallWarnAfter <= 0 {
		opts.StallWarnAfter = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	p := &Pipeline{
		opts:   opts,
		sink:   sink,
		logger: logging.NewComponentLogger(opts.Logger, "pipeline").With(logging.String(logging.FieldMonitorID, opts.MonitorID)),
		state:  StateStopped,
	}
	p.queueCond = sync.NewCond(&p.mu)
	return p
}

// Start launches the writer goroutine. The encoder is not started until the
// first frame arrives with a profile.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateStopped {
		return fmt.Errorf("pipeline already %s", p.state)
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.state = StateRunning
	p.generation++
	p.writerDone = make(chan struct{})
	go p.writerLoop(p.runCtx, p.writerDone)
	return nil
}

// Stop drains the pipeline and stops the encoder, returning the last
// finalized segment path. Safe to call more than once.
func (p *Pipeline) Stop() string {
	p.mu.Lock()
	if p.state == StateStopped || p.state == StateStopping {
		p.mu.Unlock()
		return p.sink.Stop()
	}
	p.state = StateStopping
	p.generation++
	cancel := p.cancel
	done := p.writerDone
	p.queueCond.Broadcast()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	last := p.sink.Stop()

	p.mu.Lock()
	p.state = StateStopped
	p.queue = nil
	p.hasProfile = false
	p.lastFrame = nil
	p.mu.Unlock()
	return last
}

// SubmitFrame accepts one captured frame. The first frame's profile starts
// the encoder; a changed profile triggers an atomic encoder restart before
// the frame is queued.
func (p *Pipeline) SubmitFrame(frame capture.RawFrame) {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StateRestarting {
		p.mu.Unlock()
		return
	}
	p.lastSubmit = time.Now()

	if !p.hasProfile {
		if err := p.startEncoderLocked(frame.Profile); err != nil {
			p.mu.Unlock()
			p.logger.Error("encoder start failed", logging.Error(err))
			return
		}
	} else if !p.profile.Equal(frame.Profile) {
		if err := p.reconfigureLocked(frame.Profile, true); err != nil {
			p.mu.Unlock()
			p.logger.Error("profile-change restart failed", logging.Error(err))
			return
		}
	}

	p.enqueueLocked(queuedFrame{
		data:       frame.Data,
		profile:    frame.Profile,
		generation: p.generation,
		capturedAt: frame.CapturedAt,
	})
	p.mu.Unlock()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// State returns the current lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Generation returns the current epoch counter.
func (p *Pipeline) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// LastWriteAt reports when the writer last delivered a frame successfully.
// The orchestrator's stall detector reads this.
func (p *Pipeline) LastWriteAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastWrite
}

// WriterAlive reports whether the writer goroutine is still running.
func (p *Pipeline) WriterAlive() bool {
	p.mu.Lock()
	done := p.writerDone
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// P95WriteLatency returns the rolling 95th percentile encoder write latency.
func (p *Pipeline) P95WriteLatency() time.Duration {
	return p.latency.P95()
}

func (p *Pipeline) startEncoderLocked(profile capture.PixelFormatProfile) error {
	if err := p.sink.StartWithProfile(p.runCtx, profile); err != nil {
		return err
	}
	p.profile = profile
	p.hasProfile = true
	p.logger.Info("pipeline encoder started", logging.String("profile", profile.String()))
	return nil
}

// reconfigureLocked bumps the generation, restarts the encoder under the
// given profile, and resumes. Frames queued under the old generation are
// discarded by the writer rather than written to the new instance.
func (p *Pipeline) reconfigureLocked(profile capture.PixelFormatProfile, profileChange bool) error {
	p.state = StateRestarting
	p.generation++
	p.mu.Unlock()
	restarted, err := p.sink.Reconfigure(profile)
	p.mu.Lock()
	if err != nil {
		p.state = StateRunning
		return err
	}
	p.profile = profile
	p.hasProfile = true
	if p.state == StateRestarting {
		p.state = StateRunning
	}
	if profileChange && restarted {
		p.stats.ProfileRestarts++
		p.logger.Info("encoder restarted for new profile",
			logging.String("profile", profile.String()),
			logging.Uint64(logging.FieldGeneration, p.generation),
		)
	}
	return nil
}

// enqueueLocked pushes a frame, dropping the oldest entry when full so the
// newest frame always wins.
func (p *Pipeline) enqueueLocked(frame queuedFrame) {
	if len(p.queue) >= p.opts.QueueMaxSize {
		p.queue = p.queue[1:]
		p.stats.QueueFullDrops++
	}
	p.queue = append(p.queue, frame)
	p.queueCond.Signal()
}

// writerLoop is the single consumer of the frame queue. It discards frames
// whose generation is stale, records write latency, emits keepalives when
// the source goes quiet, and recovers broken pipes with exactly one
// reconfigure per outage.
func (p *Pipeline) writerLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		frame, ok := p.nextFrame(ctx)
		if !ok {
			return
		}
		if frame == nil {
			p.maybeKeepalive()
			continue
		}
		p.writeFrame(*frame)
	}
}

// nextFrame blocks until a frame arrives, the keepalive interval elapses
// (nil frame), or the pipeline stops (ok=false).
func (p *Pipeline) nextFrame(ctx context.Context) (*queuedFrame, bool) {
	timer := time.AfterFunc(p.opts.KeepaliveInterval, func() {
		p.mu.Lock()
		p.queueCond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	deadline := time.Now().Add(p.opts.KeepaliveInterval)

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if ctx.Err() != nil || p.state == StateStopping || p.state == StateStopped {
			return nil, false
		}
		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue = p.queue[1:]
			return &frame, true
		}
		if time.Now().After(deadline) {
			return nil, true
		}
		p.queueCond.Wait()
	}
}

func (p *Pipeline) writeFrame(frame queuedFrame) {
	p.mu.Lock()
	if frame.generation != p.generation {
		p.stats.StaleGenerationDrops++
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	latency, err := p.sink.WriteFrame(frame.data)
	if err != nil {
		p.handleWriteError(err)
		return
	}
	p.latency.record(latency)
	if p.opts.WriteWarnThreshold > 0 && latency > p.opts.WriteWarnThreshold {
		p.logger.Warn("slow encoder write",
			logging.Duration("latency", latency),
			logging.Duration("p95", p.latency.P95()),
		)
	}

	p.mu.Lock()
	p.lastWrite = time.Now()
	p.lastFrame = frame.data
	p.stallSeen = false
	p.mu.Unlock()
}

// handleWriteError recovers a broken pipe by reconfiguring to the current
// profile. The recovering flag makes one outage produce one restart instead
// of a storm.
func (p *Pipeline) handleWriteError(err error) {
	if !errors.Is(err, encoder.ErrBrokenPipe) {
		p.logger.Error("encoder write failed", logging.Error(err))
		return
	}

	p.mu.Lock()
	if p.recovering || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.recovering = true
	p.stats.BrokenPipeEvents++
	profile := p.profile
	p.mu.Unlock()

	p.logger.Warn("encoder pipe broken, restarting",
		logging.String(logging.FieldEventType, "broken_pipe"),
	)

	p.mu.Lock()
	reconfigureErr := p.reconfigureLocked(profile, false)
	p.recovering = false
	p.mu.Unlock()
	if reconfigureErr != nil {
		p.logger.Error("broken-pipe recovery failed", logging.Error(reconfigureErr))
	}
}

// maybeKeepalive re-emits the last frame when the source has been quiet for
// a full interval, keeping the encoder's segment clock advancing. A longer
// quiet period logs a stall warning once per stall.
func (p *Pipeline) maybeKeepalive() {
	p.mu.Lock()
	if p.state != StateRunning || !p.hasProfile || p.lastFrame == nil || p.recovering {
		p.mu.Unlock()
		return
	}
	quiet := time.Since(p.lastSubmit)
	if quiet < p.opts.KeepaliveInterval {
		p.mu.Unlock()
		return
	}
	data := p.lastFrame
	warnStall := quiet >= p.opts.StallWarnAfter && !p.stallSeen
	if warnStall {
		p.stallSeen = true
	}
	p.mu.Unlock()

	if warnStall {
		p.logger.Warn("no frames from source, emitting keepalives",
			logging.Duration("quiet", quiet),
			logging.String(logging.FieldEventType, "source_stall"),
		)
	}

	if _, err := p.sink.WriteFrame(data); err != nil {
		p.handleWriteError(err)
		return
	}
	p.mu.Lock()
	p.lastWrite = time.Now()
	p.mu.Unlock()
}
