package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Standard error values that can be used with errors.Is()
var (
	ErrNotRunning       = errors.New("client is not running")
	ErrAlreadyStarted   = errors.New("client is already started")
	ErrClientClosed     = errors.New("client has been stopped and cannot be restarted")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrSessionDestroyed = errors.New("session has been destroyed")
	ErrCancelled        = errors.New("operation was cancelled")
	ErrDuplicateID      = errors.New("request identifier is already pending")
)

// TransportError indicates the byte stream to the child process failed. It ends the
// reader loop and fails every pending request.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every TransportError match ErrConnectionClosed.
func (e *TransportError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// ProtocolError is an error object returned by the peer for one request.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed (code=%d): %s", e.Method, e.Code, e.Message)
}

// TimeoutError reports a request that got no response before its deadline.
type TimeoutError struct {
	Method  string
	ID      string
	Timeout time.Duration
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id=%s) timed out after %v", e.Method, e.ID, e.Timeout)
}

// Unwrap lets errors.Is(err, ErrRequestTimeout) match.
func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// ListenerError wraps a failure raised by a session event handler. It is only logged.
type ListenerError struct {
	SessionID string
	EventType string
	Err       error
}

// Error implements the error interface
func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener for session %s failed on %q: %v", e.SessionID, e.EventType, e.Err)
}

// Unwrap returns the underlying cause
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// IsTimeoutError checks if an error is a request timeout
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

// IsProtocolError checks if an error was reported by the peer and returns it.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	ok := errors.As(err, &perr)
	return perr, ok
}

// IsConnectionClosed checks if an error stems from a closed or failed transport
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}
