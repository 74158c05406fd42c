package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocopilot/protocol"
)

func newTestSession(t *testing.T) (*Client, *fakePeer, *Session) {
	t.Helper()
	c, peer := newTestClient(t)
	peer.serveSessions()
	s, err := c.CreateSession(context.Background(), "gpt-4.1", true)
	require.NoError(t, err)
	return c, peer, s
}

func TestSession_StateTransitions(t *testing.T) {
	c, _, s := newTestSession(t)
	assert.Equal(t, "s-1", s.ID())
	assert.Equal(t, "gpt-4.1", s.Model())
	assert.Equal(t, SessionCreated, s.State())

	got, ok := c.Session("s-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	messageID, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "m-1", messageID)
	assert.Equal(t, SessionActive, s.State())

	require.NoError(t, s.Destroy(context.Background()))
	assert.Equal(t, SessionDestroyed, s.State())
	_, ok = c.Session("s-1")
	assert.False(t, ok)

	_, err = s.Send(context.Background(), "again")
	assert.ErrorIs(t, err, ErrSessionDestroyed)
	assert.ErrorIs(t, s.Destroy(context.Background()), ErrSessionDestroyed)
}

func TestSession_DestroyFailureKeepsSession(t *testing.T) {
	c, peer := newTestClient(t)
	peer.serve(func(p *fakePeer, req *protocol.PeerRequest) {
		switch req.Method {
		case protocol.MethodSessionCreate:
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, protocol.SessionCreateResult{SessionID: "s-9"}))
		default:
			_ = p.framer.WriteMessage(protocol.NewErrorResponse(req.ID, -32000, "busy", nil))
		}
	})
	s, err := c.CreateSession(context.Background(), "gpt-4.1", true)
	require.NoError(t, err)

	err = s.Destroy(context.Background())
	_, ok := IsProtocolError(err)
	assert.True(t, ok)
	assert.NotEqual(t, SessionDestroyed, s.State())
	_, ok = c.Session("s-9")
	assert.True(t, ok)
}

func TestSession_EventsInArrivalOrder(t *testing.T) {
	_, peer, s := newTestSession(t)
	rec := newEventRecorder()
	s.Subscribe(rec.handle)

	const n = 20
	for i := 0; i < n; i++ {
		peer.emit(s.ID(), fmt.Sprintf("custom.%02d", i), map[string]int{"i": i})
	}
	rec.waitFor(t, n)

	types := rec.types()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("custom.%02d", i), types[i])
	}
}

func TestSession_ListenerFailuresDoNotStopDelivery(t *testing.T) {
	_, peer, s := newTestSession(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	s.Subscribe(func(Event) error {
		record("failing")
		return errors.New("listener failed")
	})
	s.Subscribe(func(Event) error {
		record("panicking")
		panic("listener panicked")
	})
	rec := newEventRecorder()
	s.Subscribe(func(ev Event) error {
		record("healthy")
		return rec.handle(ev)
	})

	peer.emit(s.ID(), EventAssistantMessageDelta, MessageDelta{DeltaContent: "a"})
	peer.emit(s.ID(), EventAssistantMessageDelta, MessageDelta{DeltaContent: "b"})
	rec.waitFor(t, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"failing", "panicking", "healthy", "failing", "panicking", "healthy"}, order)
}

func TestSession_Unsubscribe(t *testing.T) {
	_, peer, s := newTestSession(t)

	removed := newEventRecorder()
	kept := newEventRecorder()
	unsubscribe := s.Subscribe(removed.handle)
	s.Subscribe(kept.handle)

	unsubscribe()
	unsubscribe()

	peer.emit(s.ID(), EventSessionIdle, map[string]any{})
	kept.waitFor(t, 1)
	assert.Empty(t, removed.types())
}

func TestSession_ListenerMayCallClient(t *testing.T) {
	c, peer, s := newTestSession(t)

	done := make(chan error, 1)
	s.Subscribe(func(ev Event) error {
		if ev.Type != EventSessionIdle {
			return nil
		}
		_, err := c.Call(context.Background(), "session.getMessages", protocol.SessionDestroyParams{SessionID: s.ID()})
		done <- err
		return err
	})

	peer.emit(s.ID(), EventSessionIdle, map[string]any{})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener call deadlocked")
	}
}

func TestSession_EventsAfterDestroyDropped(t *testing.T) {
	c, peer, s := newTestSession(t)
	rec := newEventRecorder()
	s.Subscribe(rec.handle)

	require.NoError(t, s.Destroy(context.Background()))

	marker := make(chan struct{})
	c.OnNotification(protocol.MethodSessionEvent, func(*protocol.Notification) error {
		close(marker)
		return nil
	})
	peer.emit(s.ID(), EventSessionIdle, map[string]any{})
	<-marker

	assert.Empty(t, rec.types())
}

func TestEventQueue_DrainsBeforeExit(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 3; i++ {
		require.True(t, q.push(Event{Type: fmt.Sprint(i)}))
	}
	q.close()
	assert.False(t, q.push(Event{Type: "late"}))

	var got []string
	q.run(func(ev Event) { got = append(got, ev.Type) })
	assert.Equal(t, []string{"0", "1", "2"}, got)

	select {
	case <-q.done:
	default:
		t.Fatal("queue did not finish")
	}
}
