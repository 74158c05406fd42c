package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/localrivet/gocopilot/protocol"
)

// PeerRequestHandler answers a request initiated by the peer. The returned value is
// sent as the result; a returned error is sent as a JSON-RPC error object. Every peer
// request gets exactly one reply.
type PeerRequestHandler func(ctx context.Context, req *protocol.PeerRequest) (any, error)

// AutoAcknowledge replies to every peer request with an empty successful result
// without looking at the method or params. It is the default policy: this client
// implements no peer-callable capabilities, and an unanswered request stalls the peer.
// Replace it with WithPeerRequestHandler when the peer expects real answers, for
// example to tool or permission requests.
func AutoAcknowledge(context.Context, *protocol.PeerRequest) (any, error) {
	return struct{}{}, nil
}

// RejectUnsupported declines every peer request with a method-not-found error.
func RejectUnsupported(_ context.Context, req *protocol.PeerRequest) (any, error) {
	return nil, protocol.NewMethodNotFoundError(req.Method)
}

// buildPeerReply runs h and shapes its outcome into a reply. A panicking handler is
// answered with an internal error.
func buildPeerReply(ctx context.Context, h PeerRequestHandler, req *protocol.PeerRequest) (reply *protocol.OutboundResponse) {
	defer func() {
		if r := recover(); r != nil {
			reply = protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()

	result, err := h(ctx, req)
	if err == nil {
		return protocol.NewSuccessResponse(req.ID, result)
	}

	var payload *protocol.ErrorPayload
	if errors.As(err, &payload) {
		return protocol.NewErrorResponse(req.ID, payload.Code, payload.Message, payload.Data)
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return protocol.NewErrorResponse(req.ID, perr.Code, perr.Message, perr.Data)
	}
	return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, err.Error(), nil)
}
