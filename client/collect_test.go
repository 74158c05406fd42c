package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocopilot/protocol"
)

// serveStreamingReply answers session.send by streaming a canned reply, the way the
// CLI does in streaming mode.
func serveStreamingReply(peer *fakePeer, withFinal bool) {
	peer.serve(func(p *fakePeer, req *protocol.PeerRequest) {
		switch req.Method {
		case protocol.MethodSessionCreate:
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, protocol.SessionCreateResult{SessionID: "s-1"}))
		case protocol.MethodSessionSend:
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, protocol.SessionSendResult{MessageID: "m-7"}))
			go func() {
				p.emit("s-1", EventAssistantMessageDelta, MessageDelta{DeltaContent: "Hello, "})
				p.emit("s-1", EventAssistantMessageDelta, MessageDelta{DeltaContent: "world"})
				if withFinal {
					p.emit("s-1", EventAssistantMessage, AssistantMessage{Content: "Hello, world!"})
				}
				p.emit("s-1", EventAssistantUsage, map[string]any{"model": "gpt-4.1", "inputTokens": 12, "outputTokens": 3})
				p.emit("s-1", EventSessionIdle, map[string]any{})
			}()
		default:
			_ = p.framer.WriteMessage(protocol.NewSuccessResponse(req.ID, struct{}{}))
		}
	})
}

func TestCollect_StreamingReply(t *testing.T) {
	c, peer := newTestClient(t)
	serveStreamingReply(peer, true)

	s, err := c.CreateSession(context.Background(), "gpt-4.1", true)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	tr, err := Collect(context.Background(), s, "Say hello", func(ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "m-7", tr.MessageID)
	assert.Equal(t, "Hello, world!", tr.Content)
	assert.Equal(t, 2, tr.Deltas)
	assert.Equal(t, 5, tr.Events)
	assert.Equal(t, "gpt-4.1", tr.Usage.Model)
	assert.EqualValues(t, 12, tr.Usage.InputTokens)
	assert.EqualValues(t, 3, tr.Usage.OutputTokens)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventSessionIdle, seen[len(seen)-1])
}

func TestCollect_DeltasOnly(t *testing.T) {
	c, peer := newTestClient(t)
	serveStreamingReply(peer, false)

	s, err := c.CreateSession(context.Background(), "gpt-4.1", true)
	require.NoError(t, err)

	tr, err := Collect(context.Background(), s, "Say hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", tr.Content)
}

func TestCollect_ContextExpires(t *testing.T) {
	c, peer := newTestClient(t)
	peer.serveSessions()

	s, err := c.CreateSession(context.Background(), "gpt-4.1", true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tr, err := Collect(ctx, s, "never finishes", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, tr)
	assert.Equal(t, "m-1", tr.MessageID)
}

func TestCollect_SendFailure(t *testing.T) {
	c, peer := newTestClient(t)
	peer.serveSessions()

	s, err := c.CreateSession(context.Background(), "gpt-4.1", true)
	require.NoError(t, err)
	require.NoError(t, s.Destroy(context.Background()))

	_, err = Collect(context.Background(), s, "hello", nil)
	assert.ErrorIs(t, err, ErrSessionDestroyed)
}
