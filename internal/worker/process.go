package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/p-arndt/voicepool/internal/metrics"
)

type ProcessOptions struct {
	Command []string          // program and leading arguments; Spec.Args is appended
	Dir     string            // working directory, empty for the current one
	Env     map[string]string // extra variables on top of the service environment
	PTY     bool              // attach a pseudo-terminal so the worker line-buffers its output
}

// ProcessLauncher runs each worker as a child process in its own process
// group, so stopping a worker also stops anything it spawned.
type ProcessLauncher struct {
	opts   ProcessOptions
	logger *slog.Logger
}

func NewProcessLauncher(opts ProcessOptions, logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{opts: opts, logger: logger}
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if len(l.opts.Command) == 0 {
		return nil, fmt.Errorf("%w: no worker command configured", ErrLaunch)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	args := append(append([]string{}, l.opts.Command[1:]...), spec.Args()...)
	// Not CommandContext: the worker outlives the request that started it.
	cmd := exec.Command(l.opts.Command[0], args...)
	cmd.Dir = l.opts.Dir
	cmd.Env = os.Environ()
	for k, v := range l.opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, spec.Env()...)
	cmd.WaitDelay = 2 * time.Second

	logger := l.logger.With("session_id", spec.SessionID)
	out := newOutputLog(logger, defaultTailBytes)

	var ptmx *os.File
	if l.opts.PTY {
		cmd.Env = append(cmd.Env, "TERM=dumb")
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: pty start: %v", ErrLaunch, err)
		}
		ptmx = f
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 200})
	} else {
		setProcessGroup(cmd)
		cmd.Stdout = out
		cmd.Stderr = out
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
	}

	h := &processHandle{
		cmd:    cmd,
		out:    out,
		done:   make(chan struct{}),
		logger: logger,
	}
	if ptmx != nil {
		h.readerDone = make(chan struct{})
		go h.readPTY(ptmx)
	}
	go h.wait(ptmx)

	logger.Info("worker started", "pid", cmd.Process.Pid, "command", l.opts.Command[0])
	return h, nil
}

type processHandle struct {
	cmd        *exec.Cmd
	out        *outputLog
	done       chan struct{}
	readerDone chan struct{}
	logger     *slog.Logger

	mu  sync.Mutex
	err error
}

func (h *processHandle) ID() string            { return strconv.Itoa(h.cmd.Process.Pid) }
func (h *processHandle) Done() <-chan struct{} { return h.done }
func (h *processHandle) Output() string        { return h.out.Tail() }

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *processHandle) wait(ptmx *os.File) {
	err := h.cmd.Wait()
	if ptmx != nil {
		// The reader sees EIO once the child side is gone; give it the
		// buffered tail before closing.
		select {
		case <-h.readerDone:
		case <-time.After(time.Second):
		}
		ptmx.Close()
	}
	h.out.Flush()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = &ExitError{Code: exitErr.ExitCode()}
	}

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *processHandle) readPTY(ptmx *os.File) {
	defer close(h.readerDone)
	_, _ = io.Copy(h.out, ptmx)
}

// Stop sends SIGTERM to the worker's process group, waits up to grace, then
// sends SIGKILL. It always waits for the process to be reaped.
func (h *processHandle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := terminateGroup(h.cmd); err != nil {
		h.logger.Debug("signal worker", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		metrics.IncWorkerStop("graceful")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	h.logger.Warn("worker did not exit after SIGTERM, killing", "grace", grace)
	metrics.IncWorkerStop("forced")
	if err := killGroup(h.cmd); err != nil {
		h.logger.Error("kill worker", "error", err)
	}
	<-h.done
	return nil
}
