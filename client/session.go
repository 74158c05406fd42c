package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/localrivet/gocopilot/protocol"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	// SessionCreated is a session the peer created that has not accepted a prompt yet.
	SessionCreated SessionState = iota
	// SessionActive is a session that accepted at least one prompt.
	SessionActive
	// SessionDestroyed is terminal.
	SessionDestroyed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionActive:
		return "active"
	case SessionDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// EventHandler receives session events. A returned error or a panic is logged and
// does not stop delivery to the other handlers.
type EventHandler func(Event) error

type listener struct {
	token   uint64
	handler EventHandler
}

// Session is one conversation hosted by the peer. Events for a session are delivered
// in arrival order on a goroutine owned by the session, so handlers may issue requests.
type Session struct {
	id     string
	model  string
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	state     SessionState
	listeners []listener
	nextToken uint64

	queue *eventQueue
}

func newSession(id, model string, c *Client) *Session {
	s := &Session{
		id:     id,
		model:  model,
		client: c,
		logger: c.logger.With("session_id", id),
		queue:  newEventQueue(),
	}
	go s.queue.run(s.dispatchEvent)
	return s
}

// ID returns the peer-assigned session identifier.
func (s *Session) ID() string { return s.id }

// Model returns the model the session was created with.
func (s *Session) Model() string { return s.model }

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers h for every later event of the session and returns a function
// that removes it. Calling the returned function more than once is harmless.
func (s *Session) Subscribe(h EventHandler) (unsubscribe func()) {
	s.mu.Lock()
	s.nextToken++
	token := s.nextToken
	s.listeners = append(s.listeners, listener{token: token, handler: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.token == token {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Send submits a prompt and returns the message identifier assigned by the peer. The
// reply arrives as events.
func (s *Session) Send(ctx context.Context, prompt string) (string, error) {
	if s.State() == SessionDestroyed {
		return "", ErrSessionDestroyed
	}

	raw, err := s.client.Call(ctx, protocol.MethodSessionSend, protocol.SessionSendParams{
		SessionID: s.id,
		Prompt:    prompt,
	})
	if err != nil {
		return "", err
	}
	var res protocol.SessionSendResult
	if err := protocol.UnmarshalResult(raw, &res); err != nil {
		return "", fmt.Errorf("invalid %s result: %w", protocol.MethodSessionSend, err)
	}

	s.mu.Lock()
	if s.state == SessionCreated {
		s.state = SessionActive
	}
	s.mu.Unlock()

	s.logger.Debug("prompt sent", "message_id", res.MessageID)
	return res.MessageID, nil
}

// Destroy asks the peer to tear the session down. On success the session stops
// receiving events and is forgotten by the client.
func (s *Session) Destroy(ctx context.Context) error {
	if s.State() == SessionDestroyed {
		return ErrSessionDestroyed
	}
	if err := s.destroyRemote(ctx); err != nil {
		return err
	}
	s.markDestroyed()
	return nil
}

func (s *Session) destroyRemote(ctx context.Context) error {
	_, err := s.client.Call(ctx, protocol.MethodSessionDestroy, protocol.SessionDestroyParams{SessionID: s.id})
	return err
}

// markDestroyed removes the session locally. Events already queued are still delivered.
func (s *Session) markDestroyed() {
	s.mu.Lock()
	if s.state == SessionDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = SessionDestroyed
	s.mu.Unlock()

	s.client.sessions.remove(s.id)
	s.queue.close()
	s.logger.Info("session destroyed")
}

// deliver queues ev for the session's dispatcher.
func (s *Session) deliver(ev Event) {
	if !s.queue.push(ev) {
		s.logger.Debug("dropping event for destroyed session", "type", ev.Type)
	}
}

// dispatchEvent invokes every handler registered at the time of the call, in
// registration order.
func (s *Session) dispatchEvent(ev Event) {
	s.mu.Lock()
	snapshot := append([]listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range snapshot {
		s.invoke(l.handler, ev)
	}
}

func (s *Session) invoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked",
				"error", &ListenerError{SessionID: s.id, EventType: ev.Type, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := h(ev); err != nil {
		s.logger.Warn("session listener failed",
			"error", &ListenerError{SessionID: s.id, EventType: ev.Type, Err: err})
	}
}

// eventQueue is an unbounded FIFO drained by a single goroutine.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
	return true
}

// close stops accepting events. run returns after draining what is queued.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue) run(deliver func(Event)) {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.events
		q.events = nil
		q.mu.Unlock()

		for _, ev := range batch {
			deliver(ev)
		}
	}
}

// registry maps session identifiers to live sessions.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.id]; !exists {
		r.order = append(r.order, s.id)
	}
	r.sessions[s.id] = s
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// list returns live sessions in creation order.
func (r *registry) list() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}
