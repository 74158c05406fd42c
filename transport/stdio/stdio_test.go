package stdio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gocopilot/protocol"
)

func TestWriteFrameHeaderCountsBytes(t *testing.T) {
	out := new(bytes.Buffer)
	f := NewFramer(strings.NewReader(""), out)

	payload := []byte(`{"text":"héllo 世界 🚀"}`)
	require.NoError(t, f.WriteFrame(payload))

	want := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
	assert.Equal(t, want, out.String())
	assert.NotEqual(t, len([]rune(string(payload))), len(payload), "payload should contain multi-byte runes")
}

func TestRoundTripMultiByte(t *testing.T) {
	payloads := []map[string]interface{}{
		{"jsonrpc": "2.0", "method": "session.event", "params": map[string]interface{}{"text": "naïve café"}},
		{"jsonrpc": "2.0", "id": "1", "result": map[string]interface{}{"emoji": "🙂🙃", "cjk": "漢字かな"}},
		{"jsonrpc": "2.0", "id": "2", "result": map[string]interface{}{"html": "<b>&</b>", "empty": ""}},
	}

	buf := new(bytes.Buffer)
	writer := NewFramer(strings.NewReader(""), buf)
	for _, p := range payloads {
		require.NoError(t, writer.WriteMessage(p))
	}

	reader := NewFramer(bytes.NewReader(buf.Bytes()), io.Discard)
	for _, want := range payloads {
		body, err := reader.ReadFrame()
		require.NoError(t, err)

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, want, got)
	}

	_, err := reader.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestMarshalIsCompact(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"a": 1, "b": []int{1, 2}, "c": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":[1,2],"c":"<x>"}`, string(data))
}

func TestReadSkipsMalformedHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"ping"}`
	input := "garbage line\r\n" +
		"Content-Length: nope\r\n" +
		"\r\n" +
		"content-length: " + fmt.Sprint(len(body)) + "\r\n" +
		"Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n" +
		"\r\n" + body

	f := NewFramer(strings.NewReader(input), io.Discard)
	got, err := f.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestReadEndOfStream(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := NewFramer(strings.NewReader(""), io.Discard).ReadFrame()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("garbage then eof", func(t *testing.T) {
		_, err := NewFramer(strings.NewReader("junk\r\nmore junk"), io.Discard).ReadFrame()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("header without body", func(t *testing.T) {
		_, err := NewFramer(strings.NewReader("Content-Length: 10\r\n\r\n{\"a\""), io.Discard).ReadFrame()
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("header without separator", func(t *testing.T) {
		_, err := NewFramer(strings.NewReader("Content-Length: 10\r\n"), io.Discard).ReadFrame()
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})
}

func TestReadFrameTooLarge(t *testing.T) {
	f := NewFramer(strings.NewReader("Content-Length: 100\r\n\r\n"), io.Discard, WithMaxFrameBytes(10))
	_, err := f.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// endless yields the same byte forever.
type endless byte

func (e endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(e)
	}
	return len(p), nil
}

func TestReadHeaderLineIsBounded(t *testing.T) {
	t.Run("no newline", func(t *testing.T) {
		_, err := NewFramer(endless('x'), io.Discard).ReadFrame()
		assert.ErrorIs(t, err, ErrHeaderTooLong)
	})

	t.Run("long garbage line", func(t *testing.T) {
		input := strings.Repeat("x", MaxHeaderLineBytes+1) + "\r\nContent-Length: 2\r\n\r\n{}"
		_, err := NewFramer(strings.NewReader(input), io.Discard).ReadFrame()
		assert.ErrorIs(t, err, ErrHeaderTooLong)
	})

	t.Run("line within limit is skipped", func(t *testing.T) {
		input := strings.Repeat("x", MaxHeaderLineBytes-10) + "\r\nContent-Length: 2\r\n\r\n{}"
		got, err := NewFramer(strings.NewReader(input), io.Discard).ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, "{}", string(got))
	})
}

func TestReadMessageMalformedBodyIsRecoverable(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewFramer(strings.NewReader(""), buf)
	require.NoError(t, w.WriteFrame([]byte("{not json")))
	require.NoError(t, w.WriteFrame([]byte{0xff, 0xfe, 0xfd}))
	require.NoError(t, w.WriteFrame([]byte(`{"jsonrpc":"2.0","method":"ping"}`)))

	r := NewFramer(bytes.NewReader(buf.Bytes()), io.Discard)

	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	n, ok := msg.(*protocol.Notification)
	require.True(t, ok)
	assert.Equal(t, "ping", n.Method)
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	pr, pw := io.Pipe()
	writer := NewFramer(strings.NewReader(""), pw)
	reader := NewFramer(pr, io.Discard)

	const writers = 20
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := protocol.NewRequest(fmt.Sprintf("%d-%d", w, i), "x", map[string]string{
					"pad": strings.Repeat("ü", w*10+i),
				})
				assert.NoError(t, writer.WriteMessage(msg))
			}
		}(w)
	}
	go func() {
		wg.Wait()
		pw.Close()
	}()

	seen := make(map[string]bool)
	for {
		msg, err := reader.ReadMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		req, ok := msg.(*protocol.PeerRequest)
		require.True(t, ok)
		seen[string(req.ID)] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestWriteAfterClose(t *testing.T) {
	f := NewFramer(strings.NewReader(""), io.Discard)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "second close should be a no-op")
	assert.True(t, f.IsClosed())
	assert.ErrorIs(t, f.WriteFrame([]byte("{}")), ErrClosed)
}

func TestWriteEmptyMessage(t *testing.T) {
	f := NewFramer(strings.NewReader(""), io.Discard)
	assert.ErrorIs(t, f.WriteFrame(nil), ErrEmptyMessage)
}

func TestCloseUnblocksReader(t *testing.T) {
	pr, _ := io.Pipe()
	f := NewFramer(pr, io.Discard)

	done := make(chan error, 1)
	go func() {
		_, err := f.ReadFrame()
		done <- err
	}()

	require.NoError(t, f.Close())
	err := <-done
	assert.Error(t, err)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
