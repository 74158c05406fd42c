package protocol

import "encoding/json"

// SessionCreateParams are the params of session.create.
type SessionCreateParams struct {
	Model      string                     `json:"model"`
	Streaming  bool                       `json:"streaming"`
	MCPServers map[string]MCPServerConfig `json:"mcpServers,omitempty"`
}

// MCPServerConfig attaches an MCP tool server to a session. Local servers set Command;
// remote servers set URL.
type MCPServerConfig struct {
	Type    string            `json:"type,omitempty"` // "local", "http" or "sse"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Tools lists the tool names the session may call; "*" allows all of them.
	Tools   []string `json:"tools"`
	Timeout int      `json:"timeout,omitempty"` // milliseconds
}

// SessionCreateResult is the result of session.create.
type SessionCreateResult struct {
	SessionID string `json:"sessionId"`
}

// SessionSendParams are the params of session.send.
type SessionSendParams struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// SessionSendResult is the result of session.send.
type SessionSendResult struct {
	MessageID string `json:"messageId"`
}

// SessionDestroyParams are the params of session.destroy.
type SessionDestroyParams struct {
	SessionID string `json:"sessionId"`
}

// SessionEventParams are the params of the session.event notification.
type SessionEventParams struct {
	SessionID string     `json:"sessionId"`
	Event     EventFrame `json:"event"`
}

// EventFrame is the {type, data} pair embedded in a session.event notification.
type EventFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
