package client

import (
	"encoding/json"
	"sync"

	"github.com/localrivet/gocopilot/protocol"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is the single-assignment slot of one in-flight request.
type pendingCall struct {
	id     string
	method string
	ch     chan callResult // buffered 1; written exactly once
}

// correlator tracks in-flight requests by identifier. A slot is removed by exactly one
// of resolve, cancel or failAll, and only the remover writes to its channel.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  error
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingCall)}
}

// register reserves a slot for id. It fails once the correlator is closed or while
// another call with the same id is still pending.
func (c *correlator) register(id, method string) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}
	key := protocol.StringIDKey(id)
	if _, exists := c.pending[key]; exists {
		return nil, ErrDuplicateID
	}
	call := &pendingCall{id: id, method: method, ch: make(chan callResult, 1)}
	c.pending[key] = call
	return call, nil
}

// resolve completes the slot matching resp. It reports false when no slot matches,
// which happens for responses that arrive after a timeout.
func (c *correlator) resolve(resp *protocol.Response) bool {
	key := resp.IDKey()
	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Error != nil {
		call.ch <- callResult{err: &ProtocolError{
			Method:  call.method,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}}
		return true
	}
	call.ch <- callResult{result: resp.Result}
	return true
}

// cancel frees the slot for id. It reports false when the slot was already removed
// by resolve or failAll, in which case a result is waiting on the call's channel.
func (c *correlator) cancel(id string) bool {
	key := protocol.StringIDKey(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	return true
}

// failAll fails every pending call with err and rejects later registrations with it.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
