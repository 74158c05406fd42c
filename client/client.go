package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/localrivet/gocopilot/logx"
	"github.com/localrivet/gocopilot/protocol"
	"github.com/localrivet/gocopilot/transport/process"
	"github.com/localrivet/gocopilot/transport/stdio"
)

// State is the lifecycle state of a Client.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Client owns one Copilot CLI child process and multiplexes requests, responses and
// session events over its standard streams. A Client is started once; after Stop it
// cannot be started again.
type Client struct {
	cfg    config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	closed        bool
	stopRequested bool
	startDone     chan struct{}
	proc          Process
	framer        *stdio.Framer

	calls    *correlator
	sessions *registry

	handlersMu           sync.RWMutex
	notificationHandlers map[string][]NotificationHandler

	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	stderrDone chan struct{}
	peerWG     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// New creates a stopped client.
func New(opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:                  cfg,
		logger:               logx.Component(cfg.logger, "client"),
		calls:                newCorrelator(),
		sessions:             newRegistry(),
		notificationHandlers: make(map[string][]NotificationHandler),
		ctx:                  ctx,
		cancel:               cancel,
		readerDone:           make(chan struct{}),
		stderrDone:           make(chan struct{}),
	}
}

// Start launches the child process and the reader loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateStarting
	startDone := make(chan struct{})
	c.startDone = startDone
	c.mu.Unlock()
	defer close(startDone)

	if err := ctx.Err(); err != nil {
		c.abandonStart()
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	proc, err := c.cfg.launcher.Launch(process.Config{
		Argv: c.cfg.argv,
		Env:  c.cfg.env,
		Dir:  c.cfg.dir,
	})
	if err != nil {
		c.abandonStart()
		return &TransportError{Op: "start", Err: err}
	}

	framer := stdio.NewFramer(proc.Stdout(), proc.Stdin(),
		stdio.WithLogger(c.cfg.logger),
		stdio.WithMaxFrameBytes(c.cfg.maxFrameBytes))

	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		c.logger.Info("stop requested during start, terminating copilot cli")
		_ = c.terminate(ctx, proc)
		c.abandonStart()
		return ErrClientClosed
	}
	c.proc = proc
	c.framer = framer
	c.state = StateRunning
	c.mu.Unlock()

	go c.drainStderr(proc.Stderr())
	go c.readLoop(framer)

	c.logger.Info("copilot cli started", "argv", c.cfg.argv)
	return nil
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// abandonStart returns a client whose Start did not complete to Stopped. If Stop was
// called meanwhile the client becomes closed.
func (c *Client) abandonStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	if c.stopRequested && !c.closed {
		c.closed = true
		close(c.readerDone)
		c.cancel()
		c.calls.failAll(&TransportError{Op: "shutdown", Err: ErrClientClosed})
	}
}

// terminate stops proc and releases its pipes. It returns a TransportError when the
// process could not be terminated.
func (c *Client) terminate(ctx context.Context, proc Process) error {
	var shutdownErr error
	killed, err := proc.Shutdown(ctx, c.cfg.shutdownGrace)
	if err != nil {
		shutdownErr = &TransportError{Op: "shutdown", Err: err}
		c.logger.Error("failed to terminate copilot cli", "error", err)
	} else if killed {
		c.logger.Warn("copilot cli killed after grace period", "grace", c.cfg.shutdownGrace)
	}
	if err := proc.Close(); err != nil {
		c.logger.Debug("closing process pipes", "error", err)
	}
	return shutdownErr
}

// Done is closed when the reader loop exits, either because the transport failed or
// because Stop closed it.
func (c *Client) Done() <-chan struct{} {
	return c.readerDone
}

// Err returns the transport failure that ended the reader loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Session returns the live session with the given identifier.
func (c *Client) Session(id string) (*Session, bool) {
	return c.sessions.get(id)
}

// Sessions returns the live sessions in creation order.
func (c *Client) Sessions() []*Session {
	return c.sessions.list()
}

// CreateSession asks the peer for a new session and registers it so its events are
// delivered.
func (c *Client) CreateSession(ctx context.Context, model string, streaming bool, opts ...SessionOption) (*Session, error) {
	params := protocol.SessionCreateParams{
		Model:     model,
		Streaming: streaming,
	}
	for _, opt := range opts {
		opt(&params)
	}

	raw, err := c.Call(ctx, protocol.MethodSessionCreate, params)
	if err != nil {
		return nil, err
	}

	var res protocol.SessionCreateResult
	if err := protocol.UnmarshalResult(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid %s result: %w", protocol.MethodSessionCreate, err)
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("invalid %s result: missing sessionId", protocol.MethodSessionCreate)
	}

	s := newSession(res.SessionID, model, c)
	c.sessions.add(s)
	c.logger.Info("session created", "session_id", s.id, "model", model, "streaming", streaming, "mcp_servers", len(params.MCPServers))
	return s, nil
}

// Call sends a request with the default request timeout and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallTimeout(ctx, method, params, c.cfg.requestTimeout)
}

// CallTimeout sends a request and waits for its response, a timeout, cancellation of
// ctx or transport failure, whichever comes first. A zero timeout waits indefinitely.
func (c *Client) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	framer, err := c.activeFramer()
	if err != nil {
		return nil, err
	}

	id := c.cfg.idGenerator()
	payload, err := stdio.Marshal(protocol.NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	call, err := c.calls.register(id, method)
	if err != nil {
		return nil, err
	}

	if err := framer.WriteFrame(payload); err != nil {
		if c.calls.cancel(id) {
			return nil, &TransportError{Op: "write", Err: err}
		}
		res := <-call.ch
		return res.result, res.err
	}
	c.logger.Debug("request sent", "method", method, "id", id)

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-timeoutC:
		if c.calls.cancel(id) {
			c.logger.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
			return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
		}
	case <-ctx.Done():
		if c.calls.cancel(id) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
			}
			return nil, fmt.Errorf("%s: %w: %w", method, ErrCancelled, ctx.Err())
		}
	}

	// The slot was completed concurrently; its result is already buffered.
	res := <-call.ch
	return res.result, res.err
}

func (c *Client) activeFramer() (*stdio.Framer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateRunning || c.state == StateStopping:
		return c.framer, nil
	case c.closed:
		return nil, ErrClientClosed
	default:
		return nil, ErrNotRunning
	}
}

func (c *Client) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStopping || c.closed
}

// readLoop is the only reader of the child's stdout.
func (c *Client) readLoop(framer *stdio.Framer) {
	defer close(c.readerDone)

	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				c.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			c.failTransport(err)
			return
		}
		c.route(msg)
	}
}

// failTransport fails every pending request once the stream is unusable.
func (c *Client) failTransport(cause error) {
	if c.stopping() {
		c.logger.Debug("reader stopped", "cause", cause)
		c.calls.failAll(&TransportError{Op: "shutdown", Err: ErrClientClosed})
		return
	}

	if errors.Is(cause, io.EOF) {
		cause = fmt.Errorf("peer closed its output: %w", cause)
	}
	terr := &TransportError{Op: "read", Err: cause}

	c.errMu.Lock()
	c.err = terr
	c.errMu.Unlock()

	c.logger.Error("transport failed", "error", terr, "pending", c.calls.len())
	c.calls.failAll(terr)
}

// stderrChunkBytes bounds a single logged stderr record. Longer lines are logged in
// pieces marked partial.
const stderrChunkBytes = 64 * 1024

// drainStderr logs the child's diagnostics line by line until the stream ends. It
// keeps reading whatever the child writes so the child never blocks on stderr.
func (c *Client) drainStderr(r io.Reader) {
	defer close(c.stderrDone)

	reader := bufio.NewReaderSize(r, stderrChunkBytes)
	for {
		line, partial, err := reader.ReadLine()
		if len(line) > 0 {
			if partial {
				c.logger.Info("cli stderr", "line", string(line), "partial", true)
			} else {
				c.logger.Info("cli stderr", "line", string(line))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("stderr drain ended", "error", err)
			}
			return
		}
	}
}

// Stop destroys every live session, stops the reader, terminates the child and fails
// whatever is still pending. Session destroy failures are logged and do not abort the
// shutdown. Stop during Start makes Start terminate the child it launched and waits
// for it. Calling Stop on a client that is neither starting nor running is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStarting {
		c.stopRequested = true
		startDone := c.startDone
		c.mu.Unlock()
		select {
		case <-startDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	proc, framer := c.proc, c.framer
	c.mu.Unlock()

	c.logger.Info("stopping copilot cli", "sessions", len(c.sessions.list()))

	for _, s := range c.sessions.list() {
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if c.cfg.destroyTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, c.cfg.destroyTimeout)
		}
		if err := s.destroyRemote(dctx); err != nil {
			c.logger.Warn("failed to destroy session during shutdown", "session_id", s.id, "error", err)
		}
		cancel()
		s.markDestroyed()
	}

	if err := framer.Close(); err != nil {
		c.logger.Debug("closing framer", "error", err)
	}
	readerExited := waitFor(c.readerDone, c.cfg.readerJoinTimeout)
	if !readerExited {
		c.logger.Warn("reader did not exit in time", "timeout", c.cfg.readerJoinTimeout)
	}
	c.cancel()

	shutdownErr := c.terminate(ctx, proc)

	if readerExited {
		c.peerWG.Wait()
	}
	waitFor(c.stderrDone, c.cfg.readerJoinTimeout)

	c.calls.failAll(&TransportError{Op: "shutdown", Err: ErrClientClosed})

	c.mu.Lock()
	c.state = StateStopped
	c.closed = true
	c.mu.Unlock()

	c.logger.Info("copilot cli stopped")
	return shutdownErr
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
