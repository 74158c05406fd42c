package mcpserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/localrivet/gocopilot/protocol"
	"github.com/localrivet/gocopilot/transport/stdio"
)

type codec interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(v any) error
	framing() string
}

// detectCodec peeks past leading whitespace and picks the framing.
func detectCodec(r io.Reader, w io.Writer, logger *slog.Logger) (codec, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
			continue
		case '{':
			return newLineCodec(br, w), nil
		}
		return framedCodec{stdio.NewFramer(br, w, stdio.WithLogger(logger))}, nil
	}
}

type framedCodec struct {
	*stdio.Framer
}

func (framedCodec) framing() string { return "content-length" }

// lineCodec speaks one JSON document per line.
type lineCodec struct {
	scanner *bufio.Scanner
	w       io.Writer
	mu      sync.Mutex
}

func newLineCodec(r io.Reader, w io.Writer) *lineCodec {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), stdio.DefaultMaxFrameBytes)
	return &lineCodec{scanner: scanner, w: w}
}

func (c *lineCodec) framing() string { return "newline" }

func (c *lineCodec) ReadMessage() (protocol.Message, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			return nil, fmt.Errorf("%w: line is not valid UTF-8", protocol.ErrMalformedMessage)
		}
		return protocol.Decode(line)
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *lineCodec) WriteMessage(v any) error {
	payload, err := stdio.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
