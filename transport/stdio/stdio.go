// Package stdio implements Content-Length framing of JSON-RPC messages over a byte
// stream, the wire format spoken by the Copilot CLI on its standard input and output.
//
// Each frame is
//
//	Content-Length: <decimal byte count>\r\n
//	\r\n
//	<exactly that many bytes of UTF-8 JSON>
//
// A Framer has one reader side, used by a single goroutine, and a writer side that
// any number of goroutines may use concurrently.
package stdio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/localrivet/gocopilot/protocol"
)

const (
	headerContentLength = "Content-Length"

	// DefaultMaxFrameBytes bounds the body size accepted by ReadFrame.
	DefaultMaxFrameBytes = 64 << 20

	// MaxHeaderLineBytes bounds a single header or discarded line.
	MaxHeaderLineBytes = 4096
)

var (
	ErrClosed         = errors.New("stdio: framer is closed")
	ErrFrameTooLarge  = errors.New("stdio: frame exceeds size limit")
	ErrTruncatedFrame = errors.New("stdio: stream ended inside a frame")
	ErrHeaderTooLong  = errors.New("stdio: header line exceeds size limit")
	ErrEmptyMessage   = errors.New("stdio: cannot send empty message")
)

// Option configures a Framer.
type Option func(*Framer)

// WithLogger sets the logger used for discarded input diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Framer) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMaxFrameBytes overrides DefaultMaxFrameBytes.
func WithMaxFrameBytes(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.maxFrame = n
		}
	}
}

// Framer reads and writes Content-Length framed messages.
type Framer struct {
	reader   *bufio.Reader
	writer   io.Writer
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
	maxFrame int
	logger   *slog.Logger

	// kept for Close
	rawReader io.Reader
	rawWriter io.Writer
}

// NewFramer creates a Framer reading frames from r and writing frames to w.
func NewFramer(r io.Reader, w io.Writer, opts ...Option) *Framer {
	f := &Framer{
		reader:    bufio.NewReaderSize(r, MaxHeaderLineBytes),
		writer:    w,
		maxFrame:  DefaultMaxFrameBytes,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		rawReader: r,
		rawWriter: w,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ReadFrame returns the body of the next frame. Lines that are not a Content-Length
// header are discarded. A clean end of stream between frames returns io.EOF; an end of
// stream after a header returns ErrTruncatedFrame. A line longer than
// MaxHeaderLineBytes returns ErrHeaderTooLong and leaves the stream out of sync.
func (f *Framer) ReadFrame() ([]byte, error) {
	length, err := f.readHeader()
	if err != nil {
		return nil, err
	}
	if length > f.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.maxFrame)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return body, nil
}

// ReadMessage reads one frame and classifies its JSON body. Bodies that are not UTF-8
// or not a recognizable JSON-RPC message yield an error wrapping
// protocol.ErrMalformedMessage; the stream stays in sync and reading may continue.
func (f *Framer) ReadMessage() (protocol.Message, error) {
	body, err := f.ReadFrame()
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", protocol.ErrMalformedMessage)
	}
	return protocol.Decode(body)
}

func (f *Framer) readHeader() (int, error) {
	length := -1
	for {
		raw, err := f.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, fmt.Errorf("%w: no newline within %d bytes", ErrHeaderTooLong, f.reader.Size())
		}
		line := string(raw)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("failed to read frame header: %w", err)
			}
			if length >= 0 {
				return 0, ErrTruncatedFrame
			}
			if strings.TrimSpace(line) != "" {
				f.logger.Debug("discarding partial header line at end of stream", "line", clip(line))
			}
			return 0, io.EOF
		}

		line = strings.TrimRight(line, "\r\n")
		if length < 0 {
			if line == "" {
				continue
			}
			n, ok := parseContentLength(line)
			if !ok {
				f.logger.Debug("discarding non-header line", "line", clip(line))
				continue
			}
			length = n
			continue
		}
		if line == "" {
			return length, nil
		}
		// Other headers such as Content-Type are accepted and ignored.
	}
}

func parseContentLength(line string) (int, bool) {
	name, value, ok := strings.Cut(line, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
		return 0, false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// WriteFrame writes one frame. The header carries the byte length of payload, and the
// whole frame is written under the write lock so concurrent callers never interleave.
func (f *Framer) WriteFrame(payload []byte) error {
	if f.IsClosed() {
		return ErrClosed
	}
	if len(payload) == 0 {
		return ErrEmptyMessage
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + 32)
	buf.WriteString(headerContentLength)
	buf.WriteString(": ")
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteString("\r\n\r\n")
	buf.Write(payload)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if flusher, ok := f.writer.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return fmt.Errorf("failed to flush frame: %w", err)
		}
	}
	return nil
}

// WriteMessage encodes v as compact JSON and writes it as one frame.
func (f *Framer) WriteMessage(v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return f.WriteFrame(payload)
}

// Marshal encodes v as compact JSON without HTML escaping.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Close closes the underlying reader and writer when they implement io.Closer. A
// goroutine blocked in ReadFrame returns once the reader is closed. Close is idempotent.
func (f *Framer) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if closer, ok := f.rawWriter.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	if closer, ok := f.rawReader.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsClosed reports whether Close has been called.
func (f *Framer) IsClosed() bool {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	return f.closed
}

func clip(s string) string {
	const max = 120
	s = strings.TrimRight(s, "\r\n")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
