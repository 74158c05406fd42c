// Package protocol defines the JSON-RPC 2.0 envelopes exchanged with the Copilot CLI
// and the session payloads carried inside them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorPayload is the 'error' member of a JSON-RPC response.
type ErrorPayload struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so a payload can be returned from handlers directly.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is an outbound JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a request with the version field populated.
func NewRequest(id, method string, params any) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// OutboundResponse is a reply written by this side to a peer request. The identifier is
// kept as raw JSON so it goes back exactly as the peer sent it.
type OutboundResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// NewSuccessResponse creates a success reply. A nil result is sent as an empty object.
func NewSuccessResponse(id json.RawMessage, result any) *OutboundResponse {
	if result == nil {
		result = struct{}{}
	}
	return &OutboundResponse{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error reply.
func NewErrorResponse(id json.RawMessage, code int, message string, data json.RawMessage) *OutboundResponse {
	return &OutboundResponse{
		JSONRPC: Version,
		ID:      id,
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// OutboundNotification is a notification written by this side. The client never sends
// one today; tests use it to play the peer.
type OutboundNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a notification with the version field populated.
func NewNotification(method string, params any) *OutboundNotification {
	return &OutboundNotification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// UnmarshalResult decodes a raw result into target. An absent or null result leaves
// target untouched.
func UnmarshalResult(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal result into %T: %w", target, err)
	}
	return nil
}
