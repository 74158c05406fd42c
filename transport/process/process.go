// Package process starts the external executable a client talks to and exposes its
// standard streams. It knows nothing about framing or JSON-RPC.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrEmptyCommand is returned by Start when argv has no executable.
var ErrEmptyCommand = errors.New("process: empty argument vector")

// Config describes the process to launch.
type Config struct {
	// Argv is the executable followed by its arguments. Required.
	Argv []string
	// Env is appended to the parent environment.
	Env []string
	// Dir is the working directory; empty means the parent's.
	Dir string
}

// Process is a running child with its standard streams wired to pipes owned by this
// side. Wait is called once internally; use Done and ExitErr to observe the exit.
type Process struct {
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done    chan struct{}
	exitMu  sync.Mutex
	exitErr error
}

// Start launches the process described by cfg. The caller owns the returned pipe ends;
// the internal Wait never closes them.
func Start(cfg Config) (*Process, error) {
	if len(cfg.Argv) == 0 || cfg.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		opened = append(opened, r, w)
		return r, w, nil
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Argv[0], err)
	}

	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitMu.Lock()
	p.exitErr = err
	p.exitMu.Unlock()
	close(p.done)
}

// Stdin is the write end of the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the read end of the child's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Stderr is the read end of the child's standard error.
func (p *Process) Stderr() io.ReadCloser { return p.stderr }

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the result of waiting for the process. Only meaningful after Done.
func (p *Process) ExitErr() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitErr
}

// Terminate asks the process to exit with SIGTERM.
func (p *Process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal process: %w", err)
	}
	return nil
}

// Kill forces the process to exit.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// Shutdown terminates the process and waits up to grace for it to exit, killing it
// afterwards. It returns once the process is gone or ctx is done. The returned bool
// reports whether the kill was needed.
func (p *Process) Shutdown(ctx context.Context, grace time.Duration) (bool, error) {
	if err := p.Terminate(); err != nil {
		return false, err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	if err := p.Kill(); err != nil {
		return true, err
	}
	select {
	case <-p.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Close releases this side's pipe ends. It does not stop the process.
func (p *Process) Close() error {
	return errors.Join(
		closeFile(p.stdin),
		closeFile(p.stdout),
		closeFile(p.stderr),
	)
}

func closeFile(f *os.File) error {
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
