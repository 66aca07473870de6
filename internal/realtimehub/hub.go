// Package realtimehub implements the Realtime Hub (spec §4.4): the
// authenticated, subscription-based egress for session output, state
// transitions, approval prompts, and terminal I/O.
package realtimehub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
)

// Authenticator validates a client-supplied token and returns the userID it
// maps to. The hub never interprets tokens itself.
type Authenticator interface {
	Authenticate(ctx context.Context, token, claimedUserID string) (userID string, ok bool)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token, claimedUserID string) (string, bool)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token, claimedUserID string) (string, bool) {
	return f(ctx, token, claimedUserID)
}

// Config bundles the hub's tunables (spec §6).
type Config struct {
	PingInterval          time.Duration
	ConnectionTimeout     time.Duration
	MaxMessageSize        int64
	MaxConnectionsPerUser int
}

// Hub owns every live client connection and fans internal events out to
// subscribers. It implements events.Sink so it can subscribe directly to an
// events.Bus.
type Hub struct {
	cfg    Config
	auth   Authenticator
	sink   events.Sink
	log    *logging.Logger

	mu          sync.RWMutex
	clients     map[string]*connection
	byUser      map[string]map[string]struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Hub. sink receives terminal_input events raised by
// connected clients; it is typically an events.Bus shared with the rest of
// the control plane.
func New(cfg Config, auth Authenticator, sink events.Sink, log *logging.Logger) *Hub {
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("realtime_hub")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 90 * time.Second
	}
	return &Hub{
		cfg: cfg, auth: auth, sink: sink, log: log,
		clients: make(map[string]*connection),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "realtime_hub",
		Domain:       "realtime",
		Layer:        core.LayerIngress,
		Capabilities: []string{"websocket", "broadcast", "terminal_io"},
	}
}

// Start begins the liveness loop (spec §4.4 "every pingIntervalMs...").
func (h *Hub) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.livenessLoop(runCtx)
	return nil
}

func (h *Hub) Stop(_ context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (h *Hub) livenessLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pingSweep()
		}
	}
}

// pingSweep sends a ping to every connection and closes any that have gone
// silent past ConnectionTimeout (spec §4.4).
func (h *Hub) pingSweep() {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.idleSince() > h.cfg.ConnectionTimeout {
			h.removeConnection(c.clientID)
			c.close()
			continue
		}
		payload, _ := json.Marshal(stamped(outboundMessage{Type: MsgPing}))
		c.enqueue(payload)
	}
}

// register adds a freshly connected client and sends the connected event
// (spec §4.4 step 1).
func (h *Hub) register() *connection {
	c := newConnection(domain.NewID())
	h.mu.Lock()
	h.clients[c.clientID] = c
	h.mu.Unlock()

	payload, _ := json.Marshal(stamped(outboundMessage{Type: MsgEvent, Event: EventConnected, ClientID: c.clientID}))
	c.enqueue(payload)
	return c
}

func (h *Hub) removeConnection(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	delete(h.clients, clientID)
	if c.userID != "" {
		if set, ok := h.byUser[c.userID]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(h.byUser, c.userID)
			}
		}
	}
}

func (h *Hub) countForUser(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) addToUser(userID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		h.byUser[userID] = set
	}
	set[clientID] = struct{}{}
}

// Emit implements events.Sink, translating internal events into client
// frames (spec §4.4 broadcast primitives).
func (h *Hub) Emit(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.TypeSessionOutput:
		h.EmitToTopic(ev.Topic, outboundMessage{Type: MsgSession, Action: ActionOutput, SessionID: ev.Topic, Data: ev.Payload})
	case events.TypeSessionStateChange:
		h.EmitToTopic(ev.Topic, outboundMessage{Type: MsgSession, Action: ActionStateChange, SessionID: ev.Topic, Data: ev.Payload})
	case events.TypeApprovalRequested:
		h.EmitToTopic(ev.Topic, outboundMessage{Type: MsgSession, Action: ActionApprovalRequest, SessionID: ev.Topic, Data: ev.Payload})
	case events.TypeTerminalOutput:
		h.EmitToTopic(ev.Topic, outboundMessage{Type: MsgOutTerminal, Action: "output", SessionID: ev.Topic, Data: ev.Payload})
	default:
		h.Broadcast(string(ev.Type), ev.Payload)
	}
}

// Broadcast delivers a generic named event to every authenticated client
// (spec §4.4 "or to all authenticated clients for broadcastEvent").
func (h *Hub) Broadcast(eventName string, payload any) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := stamped(outboundMessage{Type: MsgEvent, Event: eventName, Data: payload})
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, c := range conns {
		if c.isAuthenticated() {
			c.enqueue(data)
		}
	}
}

// EmitToTopic delivers msg only to clients subscribed to sessionID.
func (h *Hub) EmitToTopic(sessionID string, msg outboundMessage) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(stamped(msg))
	if err != nil {
		return
	}
	for _, c := range conns {
		if c.subscribedToSession(sessionID) {
			c.enqueue(data)
		}
	}
}

// MessageToUser delivers a per-user message to every connection that user
// currently holds open (spec §4.4 "per-user message").
func (h *Hub) MessageToUser(userID string, msg outboundMessage) {
	h.mu.RLock()
	clientIDs := h.byUser[userID]
	ids := make([]string, 0, len(clientIDs))
	for id := range clientIDs {
		ids = append(ids, id)
	}
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	data, err := json.Marshal(stamped(msg))
	if err != nil {
		return
	}
	for _, c := range conns {
		c.enqueue(data)
	}
}
