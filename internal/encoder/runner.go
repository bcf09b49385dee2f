package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// commandRunner launches encoder subprocesses. Tests substitute a fake.
type commandRunner interface {
	Start(ctx context.Context, binary string, args []string) (runningProcess, error)
}

// runningProcess is one live encoder subprocess.
type runningProcess interface {
	// Stdin is the process's standard input, or nil in native-capture mode.
	Stdin() io.WriteCloser
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed.
	ExitCode() int
	// StderrTail returns the last captured stderr output.
	StderrTail() string
	Terminate() error
	Kill() error
}

const stderrTailLimit = 4096

// tailBuffer keeps the last stderrTailLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailLimit {
		t.buf = t.buf[len(t.buf)-stderrTailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

type execRunner struct{}

func (execRunner) Start(ctx context.Context, binary string, args []string) (runningProcess, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	tail := &tailBuffer{}
	cmd.Stderr = tail
	cmd.Stdout = io.Discard

	var stdin io.WriteCloser
	wantsStdin := false
	for _, arg := range args {
		if arg == "pipe:0" {
			wantsStdin = true
			break
		}
	}
	if wantsStdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("open encoder stdin: %w", err)
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	proc := &execProcess{cmd: cmd, stdin: stdin, tail: tail, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	tail  *tailBuffer
	done  chan struct{}
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) StderrTail() string    { return p.tail.String() }

func (p *execProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
