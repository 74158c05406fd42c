package protocol

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Methods understood by the Copilot CLI in headless stdio mode.
const (
	MethodSessionCreate  = "session.create"
	MethodSessionSend    = "session.send"
	MethodSessionDestroy = "session.destroy"

	// MethodSessionEvent is the notification carrying per-session streaming events.
	MethodSessionEvent = "session.event"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)
