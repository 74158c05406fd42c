// Package bridge exposes a Copilot CLI client over HTTP. Chat replies stream as
// newline-delimited JSON or over a WebSocket, one event per line or frame.
package bridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/localrivet/gocopilot/auth"
	"github.com/localrivet/gocopilot/client"
	"github.com/localrivet/gocopilot/logx"
)

// ErrIdleTimeout ends an exchange whose session stopped emitting events.
var ErrIdleTimeout = errors.New("bridge: session produced no events before the idle timeout")

//go:embed index.html
var indexPage []byte

// EventBridgeError is the frame type used to report failures inside a stream.
const EventBridgeError = "bridge.error"

// Options configures a Server.
type Options struct {
	DefaultModel string
	// IdleTimeout ends an exchange after this long without events. Zero disables it.
	IdleTimeout time.Duration
	// RateLimit is the sustained number of exchanges per second. Zero disables it.
	RateLimit float64
	Burst     int
	// Validator enables bearer token checks on chat endpoints.
	Validator auth.TokenValidator
	Logger    *slog.Logger
}

// Server is the HTTP bridge.
type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter
	mux     *http.ServeMux
}

// Frame is one streamed event.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// New creates a bridge serving sessions from backend.
func New(backend Backend, opts Options) *Server {
	if opts.DefaultModel == "" {
		opts.DefaultModel = "gpt-4.1"
	}
	s := &Server{
		backend: backend,
		opts:    opts,
		logger:  logx.Component(opts.Logger, "bridge"),
		mux:     http.NewServeMux(),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	protect := auth.Middleware(opts.Validator, s.logger)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("POST /api/chat", protect(s.rateLimited(http.HandlerFunc(s.handleChat))))
	s.mux.Handle("GET /api/ws", protect(s.rateLimited(http.HandlerFunc(s.handleWS))))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexPage)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.backend.State().String(),
	})
}

type chatRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// parseChatRequest reads prompt and model from the query string, falling back to a
// JSON body.
func parseChatRequest(r *http.Request) (chatRequest, error) {
	q := r.URL.Query()
	req := chatRequest{Prompt: q.Get("prompt"), Model: q.Get("model")}
	if req.Prompt == "" && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body chatRequest
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&body); err != nil {
			return chatRequest{}, err
		}
		req.Prompt = body.Prompt
		if req.Model == "" {
			req.Model = body.Model
		}
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "Prompt cannot be empty")
		return
	}
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}

	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID, "model", req.Model)

	sess, err := s.backend.OpenSession(r.Context(), req.Model)
	if err != nil {
		logger.Error("failed to open session", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer s.destroy(sess, logger)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	emit := func(f Frame) error {
		if err := enc.Encode(f); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := s.runExchange(r.Context(), sess, req.Prompt, emit); err != nil {
		logger.Warn("chat exchange ended early", "session_id", sess.ID(), "error", err)
		_ = emit(errorFrame(err))
		return
	}
	logger.Info("chat exchange complete", "session_id", sess.ID())
}

// runExchange sends prompt and forwards events to emit until session.idle.
func (s *Server) runExchange(ctx context.Context, sess Session, prompt string, emit func(Frame) error) error {
	events := make(chan client.Event, 64)
	done := make(chan struct{})
	defer close(done)

	unsubscribe := sess.Subscribe(func(ev client.Event) error {
		select {
		case events <- ev:
		case <-done:
		}
		return nil
	})
	defer unsubscribe()

	if _, err := sess.Send(ctx, prompt); err != nil {
		return err
	}

	var idleC <-chan time.Time
	var idle *time.Timer
	if s.opts.IdleTimeout > 0 {
		idle = time.NewTimer(s.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case ev := <-events:
			if err := emit(frameOf(ev)); err != nil {
				return err
			}
			if ev.Type == client.EventSessionIdle {
				return nil
			}
			if idle != nil {
				idle.Reset(s.opts.IdleTimeout)
			}
		case <-idleC:
			return ErrIdleTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) destroy(sess Session, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Destroy(ctx); err != nil && !errors.Is(err, client.ErrSessionDestroyed) {
		logger.Warn("failed to destroy session", "session_id", sess.ID(), "error", err)
	}
}

func frameOf(ev client.Event) Frame {
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Frame{
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: float64(ts.UnixNano()) / 1e9,
	}
}

func errorFrame(err error) Frame {
	data, _ := json.Marshal(map[string]string{"message": err.Error()})
	return Frame{Type: EventBridgeError, Data: data, Timestamp: float64(time.Now().UnixNano()) / 1e9}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
