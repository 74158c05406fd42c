package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one inbound JSON-RPC document after classification. The concrete type is
// always one of *Response, *Notification or *PeerRequest.
type Message interface {
	isMessage()
}

// Response answers a request this side issued.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *ErrorPayload
}

// Notification carries a method and params and expects no reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

// PeerRequest is a request originated by the far end; it must receive exactly one reply.
type PeerRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

func (*Response) isMessage()     {}
func (*Notification) isMessage() {}
func (*PeerRequest) isMessage()  {}

// IDKey returns the correlation key of the identifier.
func (r *Response) IDKey() string { return IDKey(r.ID) }

// Decode parses one JSON document and classifies it by field presence:
//
//	id + (result|error), no method -> *Response
//	method, no id                  -> *Notification
//	method + id                    -> *PeerRequest
//
// Anything else yields an error wrapping ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	id, hasID := fields["id"]
	if hasID && isNull(id) {
		hasID = false
	}
	rawMethod, hasMethod := fields["method"]
	result, hasResult := fields["result"]
	rawErr, hasError := fields["error"]
	if hasError && isNull(rawErr) {
		hasError = false
	}

	var method string
	if hasMethod {
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return nil, fmt.Errorf("%w: method is not a non-empty string", ErrMalformedMessage)
		}
	}

	switch {
	case hasID && !hasMethod && (hasResult || hasError):
		resp := &Response{ID: id}
		if hasError {
			var payload ErrorPayload
			if err := json.Unmarshal(rawErr, &payload); err != nil {
				return nil, fmt.Errorf("%w: error member: %v", ErrMalformedMessage, err)
			}
			resp.Error = &payload
			return resp, nil
		}
		resp.Result = result
		return resp, nil
	case hasMethod && !hasID:
		return &Notification{Method: method, Params: fields["params"]}, nil
	case hasMethod && hasID:
		return &PeerRequest{ID: id, Method: method, Params: fields["params"]}, nil
	default:
		return nil, fmt.Errorf("%w: no method and no result or error", ErrMalformedMessage)
	}
}

// IDKey canonicalizes a raw identifier so that the string "7" and the number 7 never
// collide. It returns "" for identifiers that cannot be correlated.
func IDKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return StringIDKey(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return "n:" + string(raw)
	default:
		return ""
	}
}

// StringIDKey is IDKey for an identifier this side generated as a string.
func StringIDKey(id string) string {
	return "s:" + id
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
