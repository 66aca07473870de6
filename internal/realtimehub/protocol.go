package realtimehub

import "time"

// Inbound client→server message types (spec §6).
const (
	MsgAuthenticate = "authenticate"
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgTerminal     = "terminal"
	MsgPing         = "ping"
)

// Outbound server→client message types (spec §6).
const (
	MsgEvent = "event"
	MsgSession = "session"
	MsgOutTerminal = "terminal"
	MsgError = "error"
	MsgPong  = "pong"
)

// Reserved event names carried in MsgEvent.Event.
const (
	EventConnected    = "connected"
	EventAuthenticated = "authenticated"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
)

// Session message actions carried in MsgSession.Action.
const (
	ActionOutput          = "output"
	ActionStateChange     = "state_change"
	ActionApprovalRequest = "approval_request"
	ActionCompleted       = "completed"
)

// inboundMessage is the wire shape of every client→server frame. Unused
// fields are left zero depending on Type.
type inboundMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Token     string          `json:"token"`
	UserID    string          `json:"userID"`
	SessionID string          `json:"sessionID"`
	RunnerID  string          `json:"runnerID"`
	Action    string          `json:"action"`
	Data      string          `json:"data"`
}

// outboundMessage is the wire shape of every server→client frame.
type outboundMessage struct {
	Type      string `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string `json:"clientID,omitempty"`
	Event     string `json:"event,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	RunnerID  string `json:"runnerID,omitempty"`
	Action    string `json:"action,omitempty"`
	Data      any    `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func stamped(msg outboundMessage) outboundMessage {
	msg.Timestamp = time.Now().UTC()
	return msg
}
