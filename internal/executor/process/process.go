// Package process supervises a single coding agent child process: it
// owns the stdio pipes, pumps output into replayable buffers, serializes
// stdin writes and reports a single authoritative exit result.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/executor/command"
)

// State is the lifecycle phase of a supervised process. Transitions
// only move forward.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExitResult is the final outcome of a supervised process. It is valid
// only after Wait returns.
type ExitResult struct {
	Code   int
	Signal string
	// Err is set when the process failed for a reason other than a
	// non-zero exit code, for example a spawn failure.
	Err error
}

// ErrStdinClosed is returned by Send after stdin has been closed.
var ErrStdinClosed = errors.New("process: stdin closed")

// Handle supervises one running child process.
type Handle struct {
	cmd *exec.Cmd
	log *logger.Logger

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	stdout *StreamBuffer
	stderr *StreamBuffer

	state  atomic.Int32
	done   chan struct{}
	result ExitResult

	stopOnce sync.Once
}

// Start spawns the invocation and begins pumping its stdio. One
// goroutine drains each output pipe into its buffer so the child never
// blocks on a full pipe; both are joined before the handle reports a
// terminal state.
func Start(ctx context.Context, inv command.Invocation, log *logger.Logger) (*Handle, error) {
	if log == nil {
		log = logger.Default()
	}
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	// The child gets its own process group so interrupts do not leak
	// to the supervisor.
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	h := &Handle{
		cmd:    cmd,
		log:    log.WithFields(zap.String("component", "process"), zap.String("command", inv.String())),
		stdin:  stdin,
		stdout: NewStreamBuffer(),
		stderr: NewStreamBuffer(),
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Path, err)
	}
	h.advance(StateRunning)
	h.log.Info("process started", zap.Int("pid", cmd.Process.Pid))

	var g errgroup.Group
	g.Go(func() error { return pump(h.stdout, stdoutPipe) })
	g.Go(func() error { return pump(h.stderr, stderrPipe) })

	go func() {
		pumpErr := g.Wait()
		waitErr := cmd.Wait()
		h.finish(pumpErr, waitErr)
	}()
	return h, nil
}

func pump(buf *StreamBuffer, pipe io.Reader) error {
	defer buf.Close()
	_, err := io.Copy(buf, pipe)
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// finish records the exit result and publishes the terminal state. Both
// pump goroutines have already been joined when this runs.
func (h *Handle) finish(pumpErr, waitErr error) {
	h.stdinMu.Lock()
	if !h.stdinClosed {
		h.stdinClosed = true
		h.stdin.Close()
	}
	h.stdinMu.Unlock()

	res := ExitResult{}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.Code = 0
	case errors.As(waitErr, &exitErr):
		res.Code = exitErr.ExitCode()
		if sig := exitSignal(exitErr); sig != "" {
			res.Signal = sig
		}
	default:
		res.Err = waitErr
	}
	if res.Err == nil && pumpErr != nil {
		res.Err = fmt.Errorf("stream pump: %w", pumpErr)
	}
	h.result = res

	if res.Err != nil {
		h.advance(StateFailed)
		h.log.Error("process failed", zap.Error(res.Err))
	} else {
		h.advance(StateExited)
		h.log.Info("process exited", zap.Int("code", res.Code), zap.String("signal", res.Signal))
	}
	close(h.done)
}

// advance moves the state forward. Backward transitions are ignored so
// the lifecycle stays monotonic under races.
func (h *Handle) advance(next State) {
	for {
		cur := h.state.Load()
		if cur >= int32(next) {
			return
		}
		if h.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// State returns the current lifecycle phase.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Pid returns the child pid, or 0 before start.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stdout is the replayable stdout stream.
func (h *Handle) Stdout() *StreamBuffer { return h.stdout }

// Stderr is the replayable stderr stream.
func (h *Handle) Stderr() *StreamBuffer { return h.stderr }

// Send writes one line to the child's stdin. Writes are serialized so
// concurrent callers never interleave partial frames.
func (h *Handle) Send(data []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdinClosed {
		return ErrStdinClosed
	}
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("stdin write: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		if _, err := h.stdin.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("stdin write: %w", err)
		}
	}
	return nil
}

// CloseStdin signals end of input to the child. Safe to call more than
// once.
func (h *Handle) CloseStdin() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.stdin.Close()
}

// Wait blocks until the process reaches a terminal state or ctx is
// cancelled. Cancellation abandons the wait, not the process.
func (h *Handle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// Done is closed once the process has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop interrupts the child and escalates to a kill if it has not
// exited within grace. Stop is idempotent and returns once the process
// is terminal or ctx is cancelled.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		h.log.Info("stopping process", zap.Int("pid", h.Pid()), zap.Duration("grace", grace))
		if err := h.interrupt(); err != nil {
			h.log.Warn("interrupt failed, killing", zap.Error(err))
			h.kill()
			return
		}
		select {
		case <-h.done:
		case <-time.After(grace):
			h.log.Warn("grace period elapsed, killing", zap.Int("pid", h.Pid()))
			h.kill()
		case <-ctx.Done():
			h.kill()
		}
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the child immediately without a grace period.
func (h *Handle) Kill(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	h.kill()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) kill() {
	pid := h.Pid()
	if pid == 0 {
		return
	}
	if err := killProcessGroup(pid); err != nil {
		_ = h.cmd.Process.Kill()
	}
}
