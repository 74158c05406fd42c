package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// handleWS runs one session per connection. Each inbound text frame
// {"prompt", "model"} starts an exchange whose events are written back as text frames.
// Changing the model replaces the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("conn_id", uuid.NewString(), "remote", conn.RemoteAddr().String())
	logger.Info("websocket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		sess  Session
		model string
	)
	defer func() {
		if sess != nil {
			s.destroy(sess, logger)
		}
	}()

	emit := func(f Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return wsutil.WriteServerMessage(conn, ws.OpText, data)
	}

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			if isClosed(err) {
				logger.Info("websocket closed")
			} else {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if emit(errorFrame(errors.New("invalid message"))) != nil {
				return
			}
			continue
		}
		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" {
			if emit(errorFrame(errors.New("prompt cannot be empty"))) != nil {
				return
			}
			continue
		}
		if !s.allow() {
			if emit(errorFrame(errors.New("rate limit exceeded"))) != nil {
				return
			}
			continue
		}
		if req.Model == "" {
			req.Model = s.opts.DefaultModel
		}

		if sess != nil && req.Model != model {
			s.destroy(sess, logger)
			sess = nil
		}
		if sess == nil {
			sess, err = s.backend.OpenSession(ctx, req.Model)
			if err != nil {
				logger.Error("failed to open session", "model", req.Model, "error", err)
				if emit(errorFrame(err)) != nil {
					return
				}
				continue
			}
			model = req.Model
			logger.Info("websocket session opened", "session_id", sess.ID(), "model", model)
		}

		if err := s.runExchange(ctx, sess, req.Prompt, emit); err != nil {
			logger.Warn("websocket exchange ended early", "session_id", sess.ID(), "error", err)
			if isWriteFailure(err) || emit(errorFrame(err)) != nil {
				return
			}
		}
	}
}

func isClosed(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func isWriteFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
