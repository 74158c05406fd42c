package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocopilot/protocol"
	"github.com/localrivet/gocopilot/transport/process"
	"github.com/localrivet/gocopilot/transport/stdio"
)

// callLog records the order of observable peer-side actions.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeProcess is an in-memory child process wired with io.Pipe.
type fakeProcess struct {
	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	log      *callLog
	done     chan struct{}
	exitOnce sync.Once
}

func newFakeProcess(log *callLog) *fakeProcess {
	p := &fakeProcess{log: log, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser  { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser  { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser  { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{}  { return p.done }

func (p *fakeProcess) Shutdown(context.Context, time.Duration) (bool, error) {
	p.log.add("terminate")
	p.exit()
	return false, nil
}

func (p *fakeProcess) Close() error {
	p.stdoutR.Close()
	p.stderrR.Close()
	return nil
}

// exit simulates the child going away: its output streams end.
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.done)
	})
}

// fakePeer plays the Copilot CLI on the far side of a fakeProcess.
type fakePeer struct {
	t      *testing.T
	proc   *fakeProcess
	framer *stdio.Framer
	log    *callLog

	replies chan *protocol.Response
}

func newFakePeer(t *testing.T, proc *fakeProcess) *fakePeer {
	return &fakePeer{
		t:       t,
		proc:    proc,
		framer:  stdio.NewFramer(proc.stdinR, proc.stdoutW),
		log:     proc.log,
		replies: make(chan *protocol.Response, 16),
	}
}

// newTestClient starts a client against a fake peer. The client is stopped when the
// test ends.
func newTestClient(t *testing.T, opts ...Option) (*Client, *fakePeer) {
	t.Helper()

	proc := newFakeProcess(&callLog{})
	peer := newFakePeer(t, proc)

	launcher := LauncherFunc(func(process.Config) (Process, error) {
		return proc, nil
	})
	opts = append([]Option{
		WithLauncher(launcher),
		WithRequestTimeout(2 * time.Second),
		WithReaderJoinTimeout(time.Second),
	}, opts...)

	c := New(opts...)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, peer
}

// readRequest reads the next request the client sent.
func (p *fakePeer) readRequest() *protocol.PeerRequest {
	p.t.Helper()
	msg, err := p.framer.ReadMessage()
	require.NoError(p.t, err)
	req, ok := msg.(*protocol.PeerRequest)
	require.True(p.t, ok, "expected a request, got %T", msg)
	return req
}

// readReply reads the next reply the client sent to a peer request.
func (p *fakePeer) readReply() *protocol.Response {
	p.t.Helper()
	msg, err := p.framer.ReadMessage()
	require.NoError(p.t, err)
	resp, ok := msg.(*protocol.Response)
	require.True(p.t, ok, "expected a response, got %T", msg)
	return resp
}

func (p *fakePeer) reply(id json.RawMessage, result any) {
	p.t.Helper()
	require.NoError(p.t, p.framer.WriteMessage(protocol.NewSuccessResponse(id, result)))
}

func (p *fakePeer) replyError(id json.RawMessage, code int, message string) {
	p.t.Helper()
	require.NoError(p.t, p.framer.WriteMessage(protocol.NewErrorResponse(id, code, message, nil)))
}

func (p *fakePeer) notify(method string, params any) {
	p.t.Helper()
	require.NoError(p.t, p.framer.WriteMessage(protocol.NewNotification(method, params)))
}

func (p *fakePeer) emit(sessionID, eventType string, data any) {
	p.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(p.t, err)
	p.notify(protocol.MethodSessionEvent, protocol.SessionEventParams{
		SessionID: sessionID,
		Event:     protocol.EventFrame{Type: eventType, Data: raw},
	})
}

// serve answers requests in a goroutine until the stream ends. Replies to peer
// requests are forwarded to p.replies. Write errors are ignored because the client
// may be shutting down.
func (p *fakePeer) serve(handle func(p *fakePeer, req *protocol.PeerRequest)) {
	go func() {
		for {
			msg, err := p.framer.ReadMessage()
			if err != nil {
				return
			}
			switch m := msg.(type) {
			case *protocol.PeerRequest:
				p.log.add(describe(m))
				handle(p, m)
			case *protocol.Response:
				p.replies <- m
			}
		}
	}()
}

// serveSessions answers the session methods like the CLI does.
func (p *fakePeer) serveSessions() {
	var mu sync.Mutex
	next := 0
	p.serve(func(p *fakePeer, req *protocol.PeerRequest) {
		switch req.Method {
		case protocol.MethodSessionCreate:
			mu.Lock()
			next++
			id := "s-" + string(rune('0'+next))
			mu.Unlock()
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, protocol.SessionCreateResult{SessionID: id}))
		case protocol.MethodSessionSend:
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, protocol.SessionSendResult{MessageID: "m-1"}))
		default:
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, struct{}{}))
		}
	})
}

func describe(req *protocol.PeerRequest) string {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.SessionID != "" {
		return req.Method + " " + params.SessionID
	}
	return req.Method
}

// eventRecorder collects delivered events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 64)}
}

func (r *eventRecorder) handle(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		count := len(r.events)
		r.mu.Unlock()
		if count >= n {
			return
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, count)
		}
	}
}

// lockedBuffer is a log sink safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
