package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/localrivet/gocopilot/protocol"
)

// NotificationHandler receives notifications by method. Handlers run on the reader
// goroutine: they must return quickly and must not issue requests.
type NotificationHandler func(n *protocol.Notification) error

// OnNotification registers h for notifications with the given method. session.event
// notifications reach these handlers too, after session delivery.
func (c *Client) OnNotification(method string, h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notificationHandlers[method] = append(c.notificationHandlers[method], h)
}

// route sends one inbound message to its destination. It never blocks on user code
// other than notification handlers.
func (c *Client) route(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Response:
		if !c.calls.resolve(m) {
			c.logger.Debug("discarding response with no pending request", "id", string(m.ID))
		}
	case *protocol.Notification:
		c.handleNotification(m)
	case *protocol.PeerRequest:
		c.handlePeerRequest(m)
	}
}

func (c *Client) handleNotification(n *protocol.Notification) {
	if n.Method == protocol.MethodSessionEvent {
		c.routeSessionEvent(n)
	}

	c.handlersMu.RLock()
	handlers := append([]NotificationHandler(nil), c.notificationHandlers[n.Method]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.invokeNotificationHandler(h, n)
	}
}

func (c *Client) routeSessionEvent(n *protocol.Notification) {
	var params protocol.SessionEventParams
	if err := json.Unmarshal(n.Params, &params); err != nil || params.SessionID == "" {
		c.logger.Warn("dropping malformed session event", "error", err)
		return
	}

	s, ok := c.sessions.get(params.SessionID)
	if !ok {
		return
	}
	s.deliver(Event{
		SessionID:  params.SessionID,
		Type:       params.Event.Type,
		Data:       params.Event.Data,
		ReceivedAt: time.Now(),
	})
}

func (c *Client) invokeNotificationHandler(h NotificationHandler, n *protocol.Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", "method", n.Method, "error", fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h(n); err != nil {
		c.logger.Warn("notification handler failed", "method", n.Method, "error", err)
	}
}

// handlePeerRequest answers req off the reader goroutine so a slow policy cannot stall
// response routing.
func (c *Client) handlePeerRequest(req *protocol.PeerRequest) {
	c.peerWG.Add(1)
	go func() {
		defer c.peerWG.Done()

		reply := buildPeerReply(c.ctx, c.cfg.peerHandler, req)
		if err := c.framer.WriteMessage(reply); err != nil {
			c.logger.Warn("failed to answer peer request", "method", req.Method, "id", string(req.ID), "error", err)
			return
		}
		c.logger.Debug("answered peer request", "method", req.Method, "id", string(req.ID), "error_reply", reply.Error != nil)
	}()
}
