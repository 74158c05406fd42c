package protocol

import "errors"

// ErrMalformedMessage is returned by Decode for documents that are valid JSON-RPC
// frames but fit none of the Response, Notification or PeerRequest shapes.
var ErrMalformedMessage = errors.New("malformed jsonrpc message")

// NewMethodNotFoundError returns the payload a peer request handler can use to decline
// a method it does not implement.
func NewMethodNotFoundError(method string) *ErrorPayload {
	return &ErrorPayload{
		Code:    CodeMethodNotFound,
		Message: "Method not found: " + method,
	}
}
