package client

import (
	"context"
	"io"
	"time"

	"github.com/localrivet/gocopilot/transport/process"
)

// Process is the running peer as the client sees it.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Shutdown terminates gracefully, kills after grace, and reports whether it killed.
	Shutdown(ctx context.Context, grace time.Duration) (bool, error)
	Done() <-chan struct{}
	Close() error
}

// Launcher starts the peer process.
type Launcher interface {
	Launch(cfg process.Config) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(cfg process.Config) (Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(cfg process.Config) (Process, error) {
	return f(cfg)
}

// ExecLauncher starts real OS processes.
var ExecLauncher Launcher = LauncherFunc(func(cfg process.Config) (Process, error) {
	p, err := process.Start(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
})
