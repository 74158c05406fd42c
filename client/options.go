// Package client provides the client-side implementation of the Copilot CLI protocol:
// one child process, one reader goroutine, many concurrent correlated requests, and
// per-session event delivery.
package client

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/localrivet/gocopilot/logx"
	"github.com/localrivet/gocopilot/protocol"
)

// DefaultArgv starts the Copilot CLI as a headless JSON-RPC server on stdio.
var DefaultArgv = []string{"copilot", "--headless", "--no-auto-update", "--stdio"}

const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReaderJoinTimeout = 1 * time.Second
	DefaultShutdownGrace     = 5 * time.Second
	DefaultDestroyTimeout    = 5 * time.Second
)

// Option is a client configuration option.
type Option func(*config)

type config struct {
	argv              []string
	env               []string
	dir               string
	logger            *slog.Logger
	launcher          Launcher
	idGenerator       func() string
	peerHandler       PeerRequestHandler
	requestTimeout    time.Duration
	readerJoinTimeout time.Duration
	shutdownGrace     time.Duration
	destroyTimeout    time.Duration
	maxFrameBytes     int
}

func defaultConfig() config {
	return config{
		argv:              append([]string(nil), DefaultArgv...),
		logger:            logx.Discard(),
		launcher:          ExecLauncher,
		idGenerator:       uuid.NewString,
		peerHandler:       AutoAcknowledge,
		requestTimeout:    DefaultRequestTimeout,
		readerJoinTimeout: DefaultReaderJoinTimeout,
		shutdownGrace:     DefaultShutdownGrace,
		destroyTimeout:    DefaultDestroyTimeout,
	}
}

// WithCommand replaces the whole argument vector of the child process.
func WithCommand(argv ...string) Option {
	return func(c *config) {
		if len(argv) > 0 {
			c.argv = append([]string(nil), argv...)
		}
	}
}

// WithCLIPath replaces only the executable, keeping the arguments.
func WithCLIPath(path string) Option {
	return func(c *config) {
		if path != "" {
			c.argv[0] = path
		}
	}
}

// WithEnv appends KEY=VALUE entries to the child's environment.
func WithEnv(env ...string) Option {
	return func(c *config) {
		c.env = append(c.env, env...)
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(c *config) {
		c.dir = dir
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(c *config) {
		if l != nil {
			c.launcher = l
		}
	}
}

// WithIDGenerator replaces the request identifier source. Generated identifiers must
// not repeat while a request with the same identifier is pending.
func WithIDGenerator(gen func() string) Option {
	return func(c *config) {
		if gen != nil {
			c.idGenerator = gen
		}
	}
}

// WithPeerRequestHandler replaces the AutoAcknowledge policy.
func WithPeerRequestHandler(h PeerRequestHandler) Option {
	return func(c *config) {
		if h != nil {
			c.peerHandler = h
		}
	}
}

// WithRequestTimeout sets the default deadline of correlated requests. Zero disables it.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = timeout
	}
}

// WithShutdownGrace sets how long Stop waits after SIGTERM before killing the process.
func WithShutdownGrace(grace time.Duration) Option {
	return func(c *config) {
		c.shutdownGrace = grace
	}
}

// WithReaderJoinTimeout bounds how long Stop waits for the reader goroutine.
func WithReaderJoinTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.readerJoinTimeout = timeout
	}
}

// WithDestroyTimeout bounds each session.destroy issued by Stop. Zero leaves only the
// deadline of the context passed to Stop.
func WithDestroyTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.destroyTimeout = timeout
	}
}

// WithMaxFrameBytes bounds the size of inbound frames.
func WithMaxFrameBytes(n int) Option {
	return func(c *config) {
		c.maxFrameBytes = n
	}
}

// SessionOption customizes the session.create request.
type SessionOption func(*protocol.SessionCreateParams)

// WithMCPServer attaches an MCP tool server to the session under name. An empty tool
// list allows every tool the server offers.
func WithMCPServer(name string, cfg protocol.MCPServerConfig) SessionOption {
	return func(p *protocol.SessionCreateParams) {
		if len(cfg.Tools) == 0 {
			cfg.Tools = []string{"*"}
		}
		if p.MCPServers == nil {
			p.MCPServers = make(map[string]protocol.MCPServerConfig)
		}
		p.MCPServers[name] = cfg
	}
}

// WithMCPServers attaches every server in servers.
func WithMCPServers(servers map[string]protocol.MCPServerConfig) SessionOption {
	return func(p *protocol.SessionCreateParams) {
		for name, cfg := range servers {
			WithMCPServer(name, cfg)(p)
		}
	}
}
