// Package mcpserver serves tools over the Model Context Protocol on a byte stream,
// typically the standard input and output of a process launched by the Copilot CLI.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/localrivet/gocopilot/logx"
	"github.com/localrivet/gocopilot/protocol"
)

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// Server answers initialize, ping, tools/list and tools/call.
type Server struct {
	info     protocol.ServerInfo
	registry *Registry
	logger   *slog.Logger
}

// New creates a server offering the tools in registry.
func New(registry *Registry, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "gocopilot-mcp-server"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Server{
		info:     protocol.ServerInfo{Name: opts.Name, Version: opts.Version},
		registry: registry,
		logger:   logx.Component(opts.Logger, "mcpserver"),
	}
}

// Handle answers one request.
func (s *Server) Handle(ctx context.Context, req *protocol.PeerRequest) *protocol.OutboundResponse {
	switch req.Method {
	case protocol.MethodInitialize:
		return protocol.NewSuccessResponse(req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.MCPProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      s.info,
		})
	case protocol.MethodPing:
		return protocol.NewSuccessResponse(req.ID, struct{}{})
	case protocol.MethodToolsList:
		return protocol.NewSuccessResponse(req.ID, protocol.ListToolsResult{Tools: s.registry.Tools()})
	case protocol.MethodToolsCall:
		return s.callTool(ctx, req)
	default:
		e := protocol.NewMethodNotFoundError(req.Method)
		return protocol.NewErrorResponse(req.ID, e.Code, e.Message, nil)
	}
}

func (s *Server) callTool(ctx context.Context, req *protocol.PeerRequest) *protocol.OutboundResponse {
	var params protocol.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "Invalid params: tool name is required", nil)
	}

	result, err := s.registry.Call(ctx, params.Name, params.Arguments)
	switch {
	case errors.Is(err, ErrUnknownTool):
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "Unknown tool: "+params.Name, nil)
	case errors.Is(err, ErrInvalidArguments):
		return protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, err.Error(), nil)
	case err != nil:
		s.logger.Warn("tool failed", "tool", params.Name, "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "Internal error: "+err.Error(), nil)
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, fmt.Sprintf("Internal error: %v", err), nil)
	}
	s.logger.Debug("tool called", "tool", params.Name)
	return protocol.NewSuccessResponse(req.ID, protocol.CallToolResult{
		Content: []protocol.Content{{Type: "text", Text: string(text)}},
	})
}

// Serve reads requests from r and writes replies to w until r ends or ctx is
// cancelled. The framing is taken from the first byte: '{' selects newline-delimited
// JSON, anything else Content-Length frames. Requests are answered in order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, r, w) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serve(ctx context.Context, r io.Reader, w io.Writer) error {
	conn, err := detectCodec(r, w, s.logger)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to read first message: %w", err)
	}
	s.logger.Info("serving tools", "framing", conn.framing(), "tools", len(s.registry.Tools()))

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				s.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("input closed")
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.PeerRequest:
			if err := conn.WriteMessage(s.Handle(ctx, m)); err != nil {
				return fmt.Errorf("failed to send response: %w", err)
			}
		case *protocol.Notification:
			s.logger.Debug("notification", "method", m.Method)
		case *protocol.Response:
			s.logger.Debug("ignoring response", "id", string(m.ID))
		}
	}
}
