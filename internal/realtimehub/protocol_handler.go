package realtimehub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/events"
)

// handleFrame decodes and dispatches one inbound client frame, returning
// the marshaled response to enqueue (nil if nothing to send) and whether
// the connection must be closed afterward.
func (h *Hub) handleFrame(c *connection, data []byte) ([]byte, bool) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return h.errFrame(apierrors.CodeInvalidMessage, "malformed json"), false
	}

	switch in.Type {
	case MsgAuthenticate:
		return h.handleAuthenticate(c, in), false
	case MsgSubscribe:
		return h.handleSubscribe(c, in), false
	case MsgUnsubscribe:
		return h.handleUnsubscribe(c, in), false
	case MsgTerminal:
		return h.handleTerminal(c, in), false
	case MsgPing:
		c.touchPing()
		return h.marshal(outboundMessage{Type: MsgPong}), false
	default:
		return h.errFrame(apierrors.CodeUnknownMessageType, "unknown message type"), false
	}
}

func (h *Hub) handleAuthenticate(c *connection, in inboundMessage) []byte {
	if in.Token == "" || in.UserID == "" {
		return h.errFrame(apierrors.CodeAuthFailed, "token and userID are required")
	}
	if h.cfg.MaxConnectionsPerUser > 0 && h.countForUser(in.UserID) >= h.cfg.MaxConnectionsPerUser {
		return h.errFrame(apierrors.CodeConnectionLimit, "max connections per user reached")
	}
	userID, ok := h.auth.Authenticate(context.Background(), in.Token, in.UserID)
	if !ok {
		return h.errFrame(apierrors.CodeAuthFailed, "invalid token")
	}
	c.markAuthenticated(userID)
	h.addToUser(userID, c.clientID)
	return h.marshal(outboundMessage{Type: MsgEvent, Event: EventAuthenticated, ClientID: c.clientID})
}

func (h *Hub) handleSubscribe(c *connection, in inboundMessage) []byte {
	if !c.isAuthenticated() {
		return h.errFrame(apierrors.CodeNotAuthenticated, "authenticate before subscribing")
	}
	c.subscribe(in.SessionID, in.RunnerID)
	return h.marshal(outboundMessage{Type: MsgEvent, Event: EventSubscribed, SessionID: in.SessionID, RunnerID: in.RunnerID})
}

func (h *Hub) handleUnsubscribe(c *connection, in inboundMessage) []byte {
	if !c.isAuthenticated() {
		return h.errFrame(apierrors.CodeNotAuthenticated, "authenticate before unsubscribing")
	}
	c.unsubscribe(in.SessionID, in.RunnerID)
	return h.marshal(outboundMessage{Type: MsgEvent, Event: EventUnsubscribed, SessionID: in.SessionID, RunnerID: in.RunnerID})
}

// handleTerminal accepts terminal input only from clients subscribed to the
// named session, and surfaces it internally as a terminal_input event
// (spec §4.4 step 4).
func (h *Hub) handleTerminal(c *connection, in inboundMessage) []byte {
	if !c.isAuthenticated() {
		return h.errFrame(apierrors.CodeNotAuthenticated, "authenticate before sending terminal input")
	}
	if in.Action != "input" {
		return h.errFrame(apierrors.CodeInvalidMessage, "unsupported terminal action")
	}
	if !c.subscribedToSession(in.SessionID) {
		return h.errFrame(apierrors.CodeNotSubscribed, "not subscribed to session")
	}
	h.sink.Emit(context.Background(), events.Event{
		Type: events.TypeTerminalInput, Topic: in.SessionID, At: time.Now().UTC(),
		Payload: TerminalInputPayload{ClientID: c.clientID, SessionID: in.SessionID, Data: in.Data},
	})
	return nil
}

func (h *Hub) errFrame(code apierrors.Code, message string) []byte {
	return h.marshal(outboundMessage{Type: MsgError, Code: string(code), Message: message})
}

func (h *Hub) marshal(msg outboundMessage) []byte {
	data, err := json.Marshal(stamped(msg))
	if err != nil {
		return nil
	}
	return data
}

// TerminalInputPayload is the payload of a terminal_input event raised by a
// subscribed client.
type TerminalInputPayload struct {
	ClientID  string
	SessionID string
	Data      string
}
