package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Transcript is the outcome of one prompt collected with Collect.
type Transcript struct {
	MessageID string
	// Content is the final assistant message, or the concatenated deltas when the
	// peer sent no final message.
	Content string
	Deltas  int
	Events  int
	Usage   Usage
	Elapsed time.Duration
}

// Collect sends prompt on s and gathers events until the session goes idle. onEvent,
// when not nil, sees every event as well. On cancellation or transport failure the
// partial transcript is returned with the error.
func Collect(ctx context.Context, s *Session, prompt string, onEvent EventHandler) (*Transcript, error) {
	var (
		mu       sync.Mutex
		tr       Transcript
		streamed strings.Builder
		final    string
		hasFinal bool
		idleOnce sync.Once
	)
	idle := make(chan struct{})
	start := time.Now()

	snapshot := func() *Transcript {
		mu.Lock()
		defer mu.Unlock()
		out := tr
		if hasFinal {
			out.Content = final
		} else {
			out.Content = streamed.String()
		}
		out.Elapsed = time.Since(start)
		return &out
	}

	unsubscribe := s.Subscribe(func(ev Event) error {
		mu.Lock()
		tr.Events++
		switch {
		case ev.Type == EventAssistantMessageDelta:
			if d, err := ev.Delta(); err == nil {
				streamed.WriteString(d.DeltaContent)
				tr.Deltas++
			}
		case ev.Type == EventAssistantMessage:
			if m, err := ev.Message(); err == nil {
				final, hasFinal = m.Content, true
			}
		case ev.IsUsage():
			if u, err := ev.Usage(); err == nil {
				tr.Usage.Merge(u)
			}
		}
		mu.Unlock()

		if ev.Type == EventSessionIdle {
			idleOnce.Do(func() { close(idle) })
		}
		if onEvent != nil {
			return onEvent(ev)
		}
		return nil
	})
	defer unsubscribe()

	messageID, err := s.Send(ctx, prompt)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	tr.MessageID = messageID
	mu.Unlock()

	select {
	case <-idle:
		return snapshot(), nil
	case <-ctx.Done():
		return snapshot(), fmt.Errorf("waiting for %s: %w", EventSessionIdle, ctx.Err())
	case <-s.client.Done():
		select {
		case <-idle:
			return snapshot(), nil
		default:
		}
		err := s.client.Err()
		if err == nil {
			err = ErrConnectionClosed
		}
		return snapshot(), fmt.Errorf("waiting for %s: %w", EventSessionIdle, err)
	}
}
